package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/nats-io/nats.go"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	writeWait  = 5 * time.Second
	pingPeriod = 30 * time.Second
)

var relayedSubjects = []string{
	protocol.SubjectGenerateProgress,
	protocol.SubjectGenerateStatus,
	protocol.SubjectChunkReady,
}

// progressEvent is one relayed bus message.
type progressEvent struct {
	Subject string          `json:"subject"`
	Data    json.RawMessage `json:"data"`
}

// handleProgress relays generation events to a websocket client. The
// optional chapter query parameter filters by chapter id.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "progress relay unavailable")
		return
	}
	chapter := r.URL.Query().Get("chapter")

	msgs := make(chan *nats.Msg, 64)
	var subs []*nats.Subscription
	defer func() {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
	}()
	for _, subject := range relayedSubjects {
		sub, err := s.bus.ChanSubscribe(subject, msgs)
		if err != nil {
			s.log.Error("progress subscribe failed", slog.String("subject", subject), slogError(err))
			writeError(w, http.StatusServiceUnavailable, "progress relay unavailable")
			return
		}
		subs = append(subs, sub)
	}
	if err := s.bus.Flush(); err != nil {
		writeError(w, http.StatusServiceUnavailable, "progress relay unavailable")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", slogError(err))
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg := <-msgs:
			if chapter != "" && chapterOf(msg.Data) != chapter {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(progressEvent{Subject: msg.Subject, Data: msg.Data}); err != nil {
				s.log.Debug("progress client gone", slogError(err))
				return
			}
		}
	}
}

func chapterOf(data []byte) string {
	var probe struct {
		ChapterID string `json:"chapter_id"`
	}
	_ = json.Unmarshal(data, &probe)
	return probe.ChapterID
}
