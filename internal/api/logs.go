package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/kiln/internal/model"
)

// sseStream writes server-sent events and flushes after each one.
type sseStream struct {
	w     io.Writer
	flush func()
}

func newSSEStream(w http.ResponseWriter) *sseStream {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	st := &sseStream{w: w, flush: func() {}}
	if f, ok := w.(http.Flusher); ok {
		st.flush = f.Flush
	}
	st.flush()
	return st
}

// line sends one log line. Embedded newlines become separate data fields of
// the same event.
func (st *sseStream) line(s string) error {
	var b strings.Builder
	for seg := range strings.SplitSeq(s, "\n") {
		b.WriteString("data: ")
		b.WriteString(seg)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	if _, err := io.WriteString(st.w, b.String()); err != nil {
		return err
	}
	st.flush()
	return nil
}

// streamDone is the payload of the final "done" event.
type streamDone struct {
	Status    string `json:"status"`
	ErrorKind string `json:"error_kind,omitempty"`
}

func (st *sseStream) done(e *model.Execution) {
	payload, _ := json.Marshal(streamDone{Status: e.Status, ErrorKind: e.ErrorKind})
	fmt.Fprintf(st.w, "event: done\ndata: %s\n\n", payload)
	st.flush()
}

func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	e, err := s.executions.GetExecution(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err, "execution")
		return
	}

	// Finished runs and servers without a broker only get the done event.
	if model.IsTerminal(e.Status) || s.broker == nil {
		newSSEStream(w).done(e)
		return
	}

	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("clear write deadline for log stream", "error", err)
	}

	// A run that finishes between the lookup and here yields a closed channel.
	ch, unsub := s.broker.Subscribe(id)
	defer unsub()

	st := newSSEStream(w)
	for {
		select {
		case line, ok := <-ch:
			if !ok {
				if final, err := s.executions.GetExecution(r.Context(), id); err == nil {
					e = final
				}
				st.done(e)
				return
			}
			if err := st.line(line); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

type historyLine struct {
	Seq       int       `json:"seq"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}

// logHistoryResponse is returned by GET /v1/executions/{id}/logs/history.
type logHistoryResponse struct {
	ExecutionID string        `json:"execution_id"`
	Status      string        `json:"status"`
	Lines       []historyLine `json:"lines"`
}

func (s *Server) handleGetLogHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	e, err := s.executions.GetExecution(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err, "execution")
		return
	}
	stored, err := s.executions.GetLogLines(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err, "log lines")
		return
	}

	resp := logHistoryResponse{ExecutionID: id, Status: e.Status, Lines: make([]historyLine, 0, len(stored))}
	for _, l := range stored {
		resp.Lines = append(resp.Lines, historyLine{Seq: l.Seq, Line: l.Line, CreatedAt: l.CreatedAt})
	}
	s.writeJSON(w, http.StatusOK, resp)
}
