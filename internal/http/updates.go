package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tierd/tierd/internal/domain"
	"github.com/tierd/tierd/internal/notify"
)

const defaultHeartbeat = 30 * time.Second

type initialEvent struct {
	VoteCounts map[string]domain.Aggregate `json:"voteCounts"`
	Timestamp  time.Time                   `json:"timestamp"`
}

type pingEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// handleVoteUpdates streams vote changes as server-sent events: a snapshot on
// connect, every update afterwards, and a ping on each heartbeat.
func (s *Server) handleVoteUpdates(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	// The server write timeout would cut the stream.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		s.logger.Warn("clear write deadline", zap.Error(err))
	}

	// Subscribe before reading the snapshot so no update falls in between.
	sub := s.deps.Hub.Subscribe()
	defer sub.Close()

	snapshot, err := s.deps.Votes.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("snapshot for update stream", zap.Error(err))
		snapshot = map[string]domain.Aggregate{}
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, notify.EventInitial, initialEvent{VoteCounts: snapshot, Timestamp: time.Now().UTC()}); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		return
	}

	interval := s.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeat
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		var err error
		select {
		case <-r.Context().Done():
			return
		case u, ok := <-sub.Events():
			if !ok {
				return
			}
			err = writeEvent(w, notify.EventVoteUpdate, u)
		case t := <-ticker.C:
			err = writeEvent(w, notify.EventPing, pingEvent{Timestamp: t.UTC()})
		}
		if err == nil {
			err = rc.Flush()
		}
		if err != nil {
			s.logger.Debug("update stream closed", zap.Error(err))
			return
		}
	}
}

func writeEvent(w io.Writer, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
