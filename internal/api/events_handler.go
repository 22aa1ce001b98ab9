package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mattjoyce/sidecar/internal/events"
)

// keepAliveInterval is a var so tests can shorten it.
var keepAliveInterval = 15 * time.Second

// eventStream writes lifecycle events in text/event-stream framing and
// remembers the last id sent so replayed and live copies go out once.
type eventStream struct {
	w      io.Writer
	flush  func()
	lastID int64
}

func (es *eventStream) send(ev events.Event) error {
	if ev.ID != 0 && ev.ID <= es.lastID {
		return nil
	}
	if _, err := fmt.Fprintf(es.w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, ev.Data); err != nil {
		return err
	}
	es.lastID = ev.ID
	es.flush()
	return nil
}

func (es *eventStream) ping() error {
	if _, err := io.WriteString(es.w, ": keep-alive\n\n"); err != nil {
		return err
	}
	es.flush()
	return nil
}

// handleEvents streams lifecycle events. A client reconnecting with
// Last-Event-ID gets the buffered events it missed before the live feed.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Subscribe before reading the buffer so nothing published in between
	// is lost; send drops the overlap.
	live, unsubscribe := s.events.Subscribe()
	defer unsubscribe()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	es := &eventStream{w: w, flush: flusher.Flush, lastID: parseLastEventID(r.Header.Get("Last-Event-ID"))}
	for _, ev := range s.events.SnapshotSince(es.lastID) {
		if err := es.send(ev); err != nil {
			return
		}
	}
	if err := s.pump(r, es, live); err != nil {
		s.logger.Debug("event stream closed", "error", err)
	}
}

// pump forwards live events until the client goes away or the hub closes.
func (s *Server) pump(r *http.Request, es *eventStream, live <-chan events.Event) error {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return nil
		case ev, ok := <-live:
			if !ok {
				return nil
			}
			if err := es.send(ev); err != nil {
				return err
			}
		case <-ticker.C:
			if err := es.ping(); err != nil {
				return err
			}
		}
	}
}

func parseLastEventID(v string) int64 {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
