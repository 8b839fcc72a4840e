package synthesis

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// Handler serves a Streamer as Server-Sent Events: one POST carrying a
// Request, answered by a stream of named events.
type Handler struct {
	source EventSource
	log    *slog.Logger
}

func NewHandler(source EventSource, log *slog.Logger) *Handler {
	return &Handler{source: source, log: log.With(slog.String("component", "synthesis-sse"))}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req Request
	if err := json.NewDecoder(io.LimitReader(r.Body, 16<<20)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, errs := h.source.Stream(r.Context(), req)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for evt := range events {
		if err := writeEvent(w, evt); err != nil {
			h.log.Warn("failed to write event", slogError(err))
			return
		}
		flusher.Flush()
	}
	if err, ok := <-errs; ok && err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		_ = writeEvent(w, Event{Type: EventError, Failure: &Failure{Message: err.Error()}})
		flusher.Flush()
	}
}

func writeEvent(w io.Writer, evt Event) error {
	var payload any
	switch evt.Type {
	case EventProgress:
		payload = evt.Progress
	case EventChunk:
		payload = evt.Chunk
	case EventComplete:
		payload = evt.Complete
	case EventError:
		payload = evt.Failure
	default:
		return fmt.Errorf("unknown event type %q", evt.Type)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
	return err
}

// Client consumes a remote synthesis stream.
type Client struct {
	url  string
	http *http.Client
}

func NewClient(url string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{url: url, http: httpClient}
}

func (c *Client) Stream(ctx context.Context, req Request) (<-chan Event, <-chan error) {
	events := make(chan Event)
	errs := make(chan error, 1)
	go func() {
		defer close(events)
		defer close(errs)
		if err := c.stream(ctx, req, events); err != nil {
			errs <- err
		}
	}()
	return events, errs
}

func (c *Client) stream(ctx context.Context, req Request, events chan<- Event) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("open synthesis stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("synthesis stream returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	// audio payloads make single data lines large, so read whole lines without a cap
	reader := bufio.NewReader(resp.Body)
	var name string
	var data bytes.Buffer
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			line = bytes.TrimRight(line, "\r\n")
			switch {
			case len(line) == 0:
				if name != "" || data.Len() > 0 {
					evt, ok, derr := decodeEvent(name, data.Bytes())
					if derr != nil {
						return derr
					}
					if ok {
						select {
						case events <- evt:
						case <-ctx.Done():
							return ctx.Err()
						}
					}
				}
				name = ""
				data.Reset()
			case bytes.HasPrefix(line, []byte(":")):
			case bytes.HasPrefix(line, []byte("event:")):
				name = strings.TrimSpace(string(line[len("event:"):]))
			case bytes.HasPrefix(line, []byte("data:")):
				if data.Len() > 0 {
					data.WriteByte('\n')
				}
				data.Write(bytes.TrimPrefix(line[len("data:"):], []byte(" ")))
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read synthesis stream: %w", err)
		}
	}
}

// decodeEvent parses one SSE frame. Unknown event names are skipped.
func decodeEvent(name string, data []byte) (Event, bool, error) {
	evt := Event{Type: EventType(name)}
	var target any
	switch evt.Type {
	case EventProgress:
		evt.Progress = &Progress{}
		target = evt.Progress
	case EventChunk:
		evt.Chunk = &AudioChunk{}
		target = evt.Chunk
	case EventComplete:
		evt.Complete = &Complete{}
		target = evt.Complete
	case EventError:
		evt.Failure = &Failure{}
		target = evt.Failure
	default:
		return Event{}, false, nil
	}
	if err := json.Unmarshal(data, target); err != nil {
		return Event{}, false, fmt.Errorf("decode %s event: %w", name, err)
	}
	return evt, true, nil
}
