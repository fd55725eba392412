package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/jobd-dev/jobd/internal/events"
)

const (
	sseBuffer    = 256
	sseKeepAlive = 15 * time.Second
)

type statusEvent struct {
	JobID  string    `json:"jobId"`
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
}

// frame is one SSE event, payload is encoded as JSON.
type frame struct {
	name    string
	payload any
}

func statusFrame(e events.Event) frame {
	return frame{
		name:    string(events.KindStatus),
		payload: statusEvent{JobID: e.JobID, Status: string(e.Status), Time: e.Time},
	}
}

// utf8Carry holds back an incomplete UTF-8 sequence at the end of a chunk
// and prepends it to the next one, so characters split by the runner's
// fixed size reads reach the client whole.
type utf8Carry struct {
	pending []byte
}

func (c *utf8Carry) next(chunk []byte) string {
	b := append(c.pending, chunk...)
	cut := completeUTF8(b)
	c.pending = bytes.Clone(b[cut:])
	return string(b[:cut])
}

// flush returns what is held back, if anything.
func (c *utf8Carry) flush() (string, bool) {
	if len(c.pending) == 0 {
		return "", false
	}
	s := string(c.pending)
	c.pending = nil
	return s, true
}

// completeUTF8 returns the length of the longest prefix of b not ending in
// a truncated UTF-8 sequence.
func completeUTF8(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}

// handleJobEvents streams status changes of all jobs until the client goes
// away.
func (s Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	sub := s.Events.Subscribe("", sseBuffer)
	defer sub.Close()

	s.stream(w, r, sub, func(e events.Event) ([]frame, bool) {
		if e.Kind != events.KindStatus {
			return nil, true
		}
		return []frame{statusFrame(e)}, true
	})
}

// handleOutputUpdates streams one output stream of a job as JSON strings.
// The stream ends once the job reaches a terminal status.
func (s Server) handleOutputUpdates(kind events.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		sub := s.Events.Subscribe(id, sseBuffer)
		defer sub.Close()

		// subscribe first, so nothing between the check and the stream is lost
		job, err := s.Jobs.Find(r.Context(), id)
		if err != nil {
			writeErr(w, err)
			return
		}
		if job.LatestStatus().Terminal() {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		var carry utf8Carry
		s.stream(w, r, sub, func(e events.Event) ([]frame, bool) {
			switch e.Kind {
			case kind:
				if data := carry.next(e.Data); data != "" {
					return []frame{{name: string(kind), payload: data}}, true
				}
			case events.KindStatus:
				if !e.Status.Terminal() {
					break
				}
				var frames []frame
				if rest, ok := carry.flush(); ok {
					frames = append(frames, frame{name: string(kind), payload: rest})
				}
				return append(frames, statusFrame(e)), false
			}
			return nil, true
		})
	}
}

// stream writes Server-Sent Events. encode maps an event to the frames to
// send, possibly none; a false more ends the stream after writing them.
func (s Server) stream(w http.ResponseWriter, r *http.Request, sub *events.Subscription, encode func(events.Event) (frames []frame, more bool)) {
	rc := http.NewResponseController(w)
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return
	}

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			frames, more := encode(e)
			for _, f := range frames {
				b, err := json.Marshal(f.payload)
				if err != nil {
					return
				}
				if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.name, b); err != nil {
					return
				}
			}
			if !more {
				_ = rc.Flush()
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
