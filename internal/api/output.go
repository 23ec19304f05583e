package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// handleStreamOutput streams the task's output lines as server-sent events
// until the task finishes or the client goes away.
func (s *Server) handleStreamOutput(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookupTask(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if t.Status.Terminal() {
		w.WriteHeader(http.StatusOK)
		_ = writeSSEEvent(w, "done", string(t.Status))
		return
	}

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("clear write deadline for SSE", "error", err)
	}

	// A topic closed between the status check and here yields a closed
	// channel, so the loop below ends at once.
	ch, unsub := s.src.Broker().Subscribe(t.ID)
	defer unsub()

	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	for {
		select {
		case line, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "stream complete")
				_ = rc.Flush()
				return
			}
			if err := writeSSEData(w, line); err != nil {
				return
			}
			_ = rc.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

type outputHistoryLine struct {
	Seq       int    `json:"seq"`
	Line      string `json:"line"`
	CreatedAt string `json:"created_at"`
}

type outputHistoryResponse struct {
	TaskID string              `json:"task_id"`
	Lines  []outputHistoryLine `json:"lines"`
}

func (s *Server) handleGetOutputHistory(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookupTask(w, r)
	if !ok {
		return
	}

	stored, err := s.src.Store().GetOutputLines(r.Context(), t.ID)
	if err != nil {
		s.logger.Error("get output lines", "task_id", t.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get output")
		return
	}

	lines := make([]outputHistoryLine, len(stored))
	for i, l := range stored {
		lines[i] = outputHistoryLine{
			Seq:       l.Seq,
			Line:      l.Line,
			CreatedAt: l.CreatedAt.Format(time.RFC3339),
		}
	}

	s.writeJSON(w, http.StatusOK, outputHistoryResponse{TaskID: t.ID, Lines: lines})
}

// writeSSEData writes one line as a data event, giving each embedded
// newline segment its own "data:" field.
func writeSSEData(w http.ResponseWriter, line string) error {
	for seg := range strings.SplitSeq(line, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(w, "\n")
	return err
}

func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data)
	return err
}
