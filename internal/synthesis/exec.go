package synthesis

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/mattn/go-shellwords"
)

type execProvider struct {
	cmd        []string
	sampleRate int
	mu         sync.Mutex
}

type execRequest struct {
	Text       string  `json:"text"`
	Voice      string  `json:"voice"`
	Speed      float64 `json:"speed"`
	SampleRate int     `json:"sample_rate"`
}

type execResponse struct {
	AudioBase64     string  `json:"audio_base64"`
	DurationSeconds float64 `json:"duration_seconds"`
	Error           string  `json:"error"`
}

// NewExecProvider runs command once per piece. The command reads a JSON
// request on stdin and writes a JSON response with base64 WAV audio.
func NewExecProvider(command string, sampleRate int) (Provider, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse synthesis command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("synthesis command empty")
	}
	return &execProvider{cmd: args, sampleRate: sampleRate}, nil
}

func (e *execProvider) Synthesize(ctx context.Context, req PieceRequest) (PieceAudio, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	payload, err := json.Marshal(execRequest{
		Text:       req.Text,
		Voice:      req.Voice,
		Speed:      req.Speed,
		SampleRate: e.sampleRate,
	})
	if err != nil {
		return PieceAudio{}, err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return PieceAudio{}, fmt.Errorf("synthesis command failed: %w: %s", err, stderr.String())
	}

	var resp execResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return PieceAudio{}, fmt.Errorf("decode synthesis response: %w", err)
	}
	if resp.Error != "" {
		return PieceAudio{}, fmt.Errorf("synthesis command: %s", resp.Error)
	}
	data, err := base64.StdEncoding.DecodeString(resp.AudioBase64)
	if err != nil {
		return PieceAudio{}, fmt.Errorf("decode synthesis audio: %w", err)
	}
	return withDuration(data, resp.DurationSeconds)
}

// withDuration fills in the duration from the audio itself when the provider
// did not report one.
func withDuration(data []byte, reported float64) (PieceAudio, error) {
	if reported > 0 {
		return PieceAudio{Audio: data, Duration: reported}, nil
	}
	buf, err := audio.Decode(data)
	if err != nil {
		return PieceAudio{}, fmt.Errorf("measure synthesized audio: %w", err)
	}
	return PieceAudio{Audio: data, Duration: buf.Duration}, nil
}
