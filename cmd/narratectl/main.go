package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/chunkstore"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/locator"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/playback"
	"github.com/loqalabs/loqa-narrator/internal/sentence"
	"github.com/loqalabs/loqa-narrator/internal/sentencesync"
	"github.com/loqalabs/loqa-narrator/internal/synthesis"
)

var version = "0.1.0-dev"

const usage = "expected 'generate', 'play', 'locate' or 'version'"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "generate":
		err = runGenerate(ctx, os.Args[2:], os.Stdout)
	case "play":
		err = runPlay(ctx, os.Args[2:], os.Stdout)
	case "locate":
		err = runLocate(os.Args[2:], os.Stdout)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func runGenerate(ctx context.Context, args []string, stdout io.Writer) error {
	var (
		configPath, chapter, textPath, voice string
		speed                                float64
		verbose                              bool
	)
	fs := flag.NewFlagSet("generate", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration file")
	fs.StringVar(&chapter, "chapter", "", "Chapter id")
	fs.StringVar(&textPath, "text", "", "Path to the chapter text")
	fs.StringVar(&voice, "voice", "", "Voice (defaults to synthesis.default_voice)")
	fs.Float64Var(&speed, "speed", 1, "Speaking rate")
	fs.BoolVar(&verbose, "v", false, "Verbose logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if chapter == "" || textPath == "" {
		return errors.New("generate requires -chapter and -text")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if voice == "" {
		voice = cfg.Synthesis.DefaultVoice
	}
	text, err := os.ReadFile(textPath)
	if err != nil {
		return fmt.Errorf("read chapter text: %w", err)
	}

	log := newLogger(verbose)
	store, err := chunkstore.Open(ctx, cfg.Store, log)
	if err != nil {
		return err
	}
	defer store.Close()

	provider, err := synthesis.NewProvider(cfg.Synthesis)
	if err != nil {
		return err
	}
	validator := synthesis.Validator{Voices: cfg.Synthesis.Voices, MaxChars: cfg.Pipeline.MaxChapterChars}
	var source synthesis.EventSource = synthesis.NewStreamer(provider, cfg.Synthesis.MaxChunkChars, validator, log)
	if cfg.Synthesis.StreamURL != "" {
		source = synthesis.NewClient(cfg.Synthesis.StreamURL, nil)
	}

	gen := pipeline.New(store, source, validator, log)
	res, err := gen.Generate(ctx, pipeline.Request{ChapterID: chapter, Text: string(text), Voice: voice, Speed: speed}, pipeline.Hooks{
		OnProgress: func(percent float64, message string) {
			fmt.Fprintf(stdout, "%5.1f%% %s\n", percent, message)
		},
		OnChunk: func(index, total int) {
			fmt.Fprintf(stdout, "chunk %d/%d stored\n", index+1, total)
		},
	})
	if err != nil {
		return errors.New(pipeline.FailureMessage(err))
	}
	fmt.Fprintf(stdout, "job %s: %d chunks, %.2fs, %d sentences\n",
		res.Job.ID, res.Job.TotalChunks, res.Job.TotalDurationSeconds, res.Sentences)
	return nil
}

func runPlay(ctx context.Context, args []string, stdout io.Writer) error {
	var (
		configPath, jobID, chapter, voice, start string
		speed                                    float64
		verbose                                  bool
	)
	fs := flag.NewFlagSet("play", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration file")
	fs.StringVar(&jobID, "job", "", "Job id to play")
	fs.StringVar(&chapter, "chapter", "", "Chapter id to play when -job is not set")
	fs.StringVar(&voice, "voice", "", "Voice used to find the chapter's job")
	fs.Float64Var(&speed, "speed", 1, "Speed used to find the chapter's job")
	fs.StringVar(&start, "start", "", "Chapter start locator; prints the reading position for each sentence")
	fs.BoolVar(&verbose, "v", false, "Verbose logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := newLogger(verbose)
	store, err := chunkstore.Open(ctx, cfg.Store, log)
	if err != nil {
		return err
	}
	defer store.Close()

	if jobID == "" {
		if chapter == "" {
			return errors.New("play requires -job or -chapter")
		}
		if voice == "" {
			voice = cfg.Synthesis.DefaultVoice
		}
		job, err := store.FindJob(ctx, chapter, voice, speed)
		if err != nil {
			if errors.Is(err, chunkstore.ErrNotFound) {
				return playback.ErrNoAudio
			}
			return err
		}
		jobID = job.ID
	}

	mapper := chapterMapper(ctx, store, jobID, locator.Locator(start))
	ended := make(chan struct{})
	failed := make(chan string, 1)
	cb := playback.Callbacks{
		OnChunkLoaded: func(index, total int) {
			log.Debug("chunk loaded", slog.Int("index", index), slog.Int("total", total))
		},
		OnSentence: func(index int, meta sentence.Metadata) {
			if index == sentencesync.None {
				return
			}
			if loc, ok := mapper.ToLocator(meta.StartTimeSeconds); ok && start != "" {
				fmt.Fprintf(stdout, "[%7.2fs] %s  (%s)\n", meta.StartTimeSeconds, meta.Text, loc)
				return
			}
			fmt.Fprintf(stdout, "[%7.2fs] %s\n", meta.StartTimeSeconds, meta.Text)
		},
		OnEnded: func() { close(ended) },
		OnError: func(message string) {
			select {
			case failed <- message:
			default:
			}
		},
	}

	player, err := playback.Open(ctx, store, audio.NewRealtimeOutput(), jobID, playback.OptionsFromConfig(cfg.Playback), cb, log)
	if err != nil {
		return errors.New(playback.Message(err))
	}
	defer player.Close()
	if err := player.Play(); err != nil {
		return errors.New(playback.Message(err))
	}

	select {
	case <-ended:
		fmt.Fprintln(stdout, "finished")
		return nil
	case message := <-failed:
		return errors.New(message)
	case <-ctx.Done():
		st := player.Status()
		fmt.Fprintf(stdout, "stopped at %.2fs of %.2fs\n", st.Position, st.Duration)
		return nil
	}
}

// chapterMapper derives the chapter length from the stored sentence offsets.
func chapterMapper(ctx context.Context, store *chunkstore.Store, jobID string, start locator.Locator) locator.Mapper {
	m := locator.Mapper{Start: start}
	job, err := store.GetJob(ctx, jobID)
	if err != nil {
		return m
	}
	list, err := store.ReadSentences(ctx, jobID)
	if err != nil || len(list) == 0 {
		return m
	}
	m.CharCount = list[len(list)-1].EndChar
	m.AudioDuration = job.TotalDurationSeconds
	return m
}

func runLocate(args []string, stdout io.Writer) error {
	var (
		start, target string
		chars, length int
		duration, at  float64
	)
	fs := flag.NewFlagSet("locate", flag.ContinueOnError)
	fs.StringVar(&start, "start", "", "Chapter start locator")
	fs.IntVar(&chars, "chars", 0, "Characters narrated in the chapter")
	fs.IntVar(&length, "length", 0, "Chapter text length (defaults to -chars)")
	fs.Float64Var(&duration, "duration", 0, "Chapter audio duration in seconds")
	fs.Float64Var(&at, "at", -1, "Timestamp to map to a locator")
	fs.StringVar(&target, "locator", "", "Locator to map to a timestamp")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if start == "" {
		return errors.New("locate requires -start")
	}
	m := locator.Mapper{Start: locator.Locator(start), CharCount: chars, TextLength: length, AudioDuration: duration}

	switch {
	case target != "":
		ts, ok := m.ToTimestamp(locator.Locator(target))
		if !ok {
			return errors.New("position unknown")
		}
		fmt.Fprintf(stdout, "%.3f\n", ts)
	case at >= 0:
		loc, ok := m.ToLocator(at)
		if !ok {
			return errors.New("position unknown")
		}
		fmt.Fprintln(stdout, loc)
	default:
		return errors.New("locate requires -at or -locator")
	}
	return nil
}
