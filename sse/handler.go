package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/agime-team/agentstream/runtime"
)

// Handler serves a push session over Server-Sent Events for the execution
// identified by the "id" path value (Go 1.22+ ServeMux).
//
// A client resumes by sending Last-Event-ID or ?after=<seq>; without
// either the session is live-only.
//
// SSE format:
//
//	id: {seq}
//	event: {tag}
//	data: {json}
//
// A keep-alive comment ": ping\n\n" is sent every heartbeat interval.
type Handler[E runtime.Classified] struct {
	adapter *Adapter[E]
}

// NewHandler creates an SSE handler backed by adapter.
func NewHandler[E runtime.Classified](adapter *Adapter[E]) *Handler[E] {
	return &Handler[E]{adapter: adapter}
}

// ServeHTTP implements http.Handler.
func (h *Handler[E]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	cursor := r.Header.Get("Last-Event-ID")
	if cursor == "" {
		cursor = r.URL.Query().Get("after")
	}
	var afterSeq uint64
	resume := cursor != ""
	if resume {
		parsed, err := strconv.ParseUint(cursor, 10, 64)
		if err != nil {
			http.Error(w, "invalid event cursor", http.StatusBadRequest)
			return
		}
		afterSeq = parsed
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	fw := &httpFrameWriter{w: w, flusher: flusher}
	if resume {
		h.adapter.Resume(r.Context(), id, afterSeq, fw)
		return
	}
	h.adapter.Stream(r.Context(), id, fw)
}

type httpFrameWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (fw *httpFrameWriter) WriteFrame(f Frame) error {
	if err := writeFrame(fw.w, f); err != nil {
		return err
	}
	fw.flusher.Flush()
	return nil
}

// writeFrame writes a single frame in SSE format.
func writeFrame(w http.ResponseWriter, f Frame) error {
	if f.KeepAlive {
		_, err := fmt.Fprint(w, ": ping\n\n")
		return err
	}

	data, err := json.Marshal(f.Data)
	if err != nil {
		return err
	}
	if f.ID > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", f.ID); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.Tag, data)
	return err
}
