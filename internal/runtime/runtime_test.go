package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/nats-io/nats.go"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = freePort(t)
	cfg.Telemetry.PrometheusBind = "127.0.0.1:" + strconv.Itoa(freePort(t))
	cfg.Telemetry.LogLevel = "error"
	cfg.Bus.Port = freePort(t)
	cfg.Bus.StoreDir = ""
	cfg.Store.Mode = "memory"
	cfg.Synthesis.MaxChunkChars = 64
	cfg.Synthesis.SampleRate = 8000
	return cfg
}

func waitReady(t *testing.T, base string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(base + "/readyz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("runtime never became ready")
}

func TestRuntimeServesGeneratedChapter(t *testing.T) {
	cfg := testConfig(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rt := New(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()

	base := "http://127.0.0.1:" + strconv.Itoa(cfg.HTTP.Port)
	waitReady(t, base)

	nc, err := nats.Connect("nats://127.0.0.1:" + strconv.Itoa(cfg.Bus.Port))
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	defer nc.Close()
	statuses := make(chan *nats.Msg, 16)
	sub, err := nc.ChanSubscribe(protocol.SubjectGenerateStatus, statuses)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	req, _ := json.Marshal(protocol.GenerateRequest{RequestID: "rt", ChapterID: "ch-rt", Text: strings.Repeat("The runtime narrates this. ", 4)})
	if _, err := nc.Request(protocol.SubjectGenerateRequest, req, 2*time.Second); err != nil {
		t.Fatalf("request: %v", err)
	}

	var jobID string
	timeout := time.After(10 * time.Second)
	for jobID == "" {
		select {
		case msg := <-statuses:
			var st protocol.GenerationStatus
			_ = json.Unmarshal(msg.Data, &st)
			if st.State == protocol.StateFailed {
				t.Fatalf("generation failed: %s", st.Message)
			}
			if st.State == protocol.StateCompleted {
				jobID = st.JobID
			}
		case <-timeout:
			t.Fatalf("generation did not complete")
		}
	}

	resp, err := http.Get(base + "/v1/chapters/ch-rt/job")
	if err != nil {
		t.Fatalf("chapter lookup: %v", err)
	}
	var job struct {
		ID         string `json:"id"`
		IsComplete bool   `json:"is_complete"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&job)
	resp.Body.Close()
	if job.ID != jobID || !job.IsComplete {
		t.Fatalf("unexpected job %+v, want %s", job, jobID)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runtime exited with error: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatalf("runtime did not stop")
	}
}
