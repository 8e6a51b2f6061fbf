// Package handler serves the status of monitored runs over HTTP and
// WebSocket, and archives finished runs.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/jellydator/ttlcache/v3"
	"github.com/m-lab/trafficmon/internal/emitter"
	"github.com/m-lab/trafficmon/internal/persistence"
	"github.com/m-lab/trafficmon/pkg/trafficmon/model"
	"github.com/m-lab/trafficmon/pkg/trafficmon/spec"
)

// liveBufferSize is the number of events queued per live client before
// events are dropped.
const liveBufferSize = 64

var errMissingRunID = errors.New("no run id found in the request")

// run is the cached state of one run.
type run struct {
	mu     sync.Mutex
	status *model.RunStatus
	final  *model.ArchivalData
}

// subscriber is a live client, optionally interested in a single run.
type subscriber struct {
	runID  string
	events chan []byte
}

// Handler keeps recent runs in a TTL cache, serves their status and streams
// their events to WebSocket clients. Finished runs are written to disk as
// archival data when they leave the cache.
type Handler struct {
	dataDir     string
	runs        *ttlcache.Cache[string, *run]
	unsubscribe func()

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	closed      bool
}

// New returns a new Handler. Finished runs stay in the cache for cacheTTL.
// If dataDir is empty, evicted runs are not archived.
func New(dataDir string, cacheTTL time.Duration) *Handler {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *run](cacheTTL),
		ttlcache.WithDisableTouchOnHit[string, *run](),
	)
	h := &Handler{
		dataDir:     dataDir,
		runs:        cache,
		subscribers: map[*subscriber]struct{}{},
	}
	h.unsubscribe = cache.OnEviction(func(ctx context.Context,
		er ttlcache.EvictionReason, i *ttlcache.Item[string, *run]) {
		log.Debug("run evicted", "id", i.Key(), "reason", er)
		h.archive(i.Value())
	})
	go cache.Start()
	return h
}

// archive writes the archival data of a finished run to disk.
func (h *Handler) archive(r *run) {
	r.mu.Lock()
	final := r.final
	r.mu.Unlock()
	if final == nil || h.dataDir == "" {
		return
	}
	df, err := persistence.WriteDataFile(h.dataDir, spec.Datatype, final.TestID,
		final.ID, final)
	if err != nil {
		log.Error("failed to write run result", "id", final.ID, "error", err)
		return
	}
	log.Info("run archived", "id", final.ID, "path", df.Path, "size", df.Size)
}

// Close evicts every cached run, waits for archival to complete and
// disconnects all live clients.
func (h *Handler) Close() {
	h.runs.DeleteAll()
	h.unsubscribe()
	h.runs.Stop()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for s := range h.subscribers {
		close(s.events)
		delete(h.subscribers, s)
	}
}

// Result returns the status of the run identified by the "id" querystring
// parameter. Possible status codes are:
// - 400 if the request does not contain an id
// - 404 if the id is not found in the runs cache
// - 500 if the status JSON cannot be marshalled
func (h *Handler) Result(rw http.ResponseWriter, req *http.Request) {
	id, err := getRunIDFromRequest(req)
	if err != nil {
		log.Info("Received request without id", "source", req.RemoteAddr,
			"error", err)
		writeBadRequest(rw)
		return
	}
	cached := h.runs.Get(id)
	if cached == nil {
		rw.WriteHeader(http.StatusNotFound)
		return
	}
	r := cached.Value()
	r.mu.Lock()
	b, err := json.Marshal(r.status)
	r.mu.Unlock()
	if err != nil {
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.Write(b)
}

// Live upgrades the connection to WebSocket and streams run events as JSON
// text messages. If the "id" querystring parameter is present, only that
// run's events are sent.
func (h *Handler) Live(rw http.ResponseWriter, req *http.Request) {
	// We expect WebSocket's subprotocol to be ours. The same subprotocol is
	// added as a header on the response.
	if req.Header.Get("Sec-WebSocket-Protocol") != spec.SecWebSocketProtocol {
		log.Info("Received live request without subprotocol",
			"source", req.RemoteAddr)
		writeBadRequest(rw)
		return
	}
	header := http.Header{}
	header.Add("Sec-WebSocket-Protocol", spec.SecWebSocketProtocol)
	u := websocket.Upgrader{
		// Allow cross-origin resource sharing.
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	conn, err := u.Upgrade(rw, req, header)
	if err != nil {
		log.Info("Websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := &subscriber{
		runID:  req.URL.Query().Get("id"),
		events: make(chan []byte, liveBufferSize),
	}
	if !h.subscribe(sub) {
		return
	}
	defer h.unsubscribeLive(sub)

	// Reading is required to process control frames. Any error, including a
	// close frame from the client, ends the stream.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case b, ok := <-sub.events:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				log.Debug("live write failed", "source", req.RemoteAddr, "error", err)
				return
			}
		}
	}
}

func (h *Handler) subscribe(s *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.subscribers[s] = struct{}{}
	return true
}

func (h *Handler) unsubscribeLive(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[s]; ok {
		delete(h.subscribers, s)
		close(s.events)
	}
}

// broadcast sends ev to every interested live client. Slow clients miss
// events rather than blocking the run.
func (h *Handler) broadcast(ev *model.Event) {
	ev.Time = time.Now()
	b, err := json.Marshal(ev)
	if err != nil {
		log.Error("cannot marshal event", "type", ev.Type, "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subscribers {
		if s.runID != "" && s.runID != ev.RunID {
			continue
		}
		select {
		case s.events <- b:
		default:
			log.Debug("live client too slow, event dropped", "run", ev.RunID,
				"type", ev.Type)
		}
	}
}

// update applies f to the cached run with the given id, if any.
func (h *Handler) update(id string, f func(r *run)) {
	cached := h.runs.Get(id)
	if cached == nil {
		return
	}
	r := cached.Value()
	r.mu.Lock()
	defer r.mu.Unlock()
	f(r)
}

// OnStart adds the run to the cache. Running runs never expire.
func (h *Handler) OnStart(res *model.RunResult) {
	h.runs.Set(res.ID, &run{status: res.Status()}, ttlcache.NoTTL)
	h.broadcast(&model.Event{Type: model.EventStart, RunID: res.ID,
		TestID: res.Config.ID(), Run: res.Archive()})
}

// OnInterval updates the run's status and streams the interval.
func (h *Handler) OnInterval(runID string, r *model.IntervalResult) {
	h.update(runID, func(cr *run) {
		s := cr.status
		s.Intervals++
		if r.Passed() {
			s.Passed++
		}
		if s.Best == nil || r.Aggregate > s.Best.Aggregate {
			s.Best = r
		}
		s.Last = r
	})
	h.broadcast(&model.Event{Type: model.EventInterval, RunID: runID,
		TestID: r.TestID, Interval: r})
}

// OnMismatch counts the interval as a mismatch.
func (h *Handler) OnMismatch(runID string, err error) {
	h.update(runID, func(cr *run) {
		cr.status.Intervals++
		cr.status.Mismatches++
	})
	h.broadcast(&model.Event{Type: model.EventMismatch, RunID: runID,
		Error: err.Error()})
}

// OnReset counts the reset.
func (h *Handler) OnReset(runID, group, endpoint string) {
	h.update(runID, func(cr *run) {
		cr.status.Resets++
	})
	h.broadcast(&model.Event{Type: model.EventReset, RunID: runID, Group: group,
		Endpoint: endpoint})
}

// OnError streams the error.
func (h *Handler) OnError(runID string, err error) {
	h.broadcast(&model.Event{Type: model.EventError, RunID: runID,
		Error: err.Error()})
}

// OnSummary stores the final result and lets the run expire after the cache
// TTL.
func (h *Handler) OnSummary(res *model.RunResult) {
	archive := res.Archive()
	h.runs.Set(res.ID, &run{status: res.Status(), final: archive}, ttlcache.DefaultTTL)
	h.broadcast(&model.Event{Type: model.EventSummary, RunID: res.ID,
		TestID: res.Config.ID(), Run: archive})
}

// getRunIDFromRequest extracts the run id ("id") from a given HTTP request,
// if present.
func getRunIDFromRequest(req *http.Request) (string, error) {
	if id := req.URL.Query().Get("id"); id != "" {
		return id, nil
	}
	return "", errMissingRunID
}

// writeBadRequest sends a Bad Request response to the client using writer.
func writeBadRequest(writer http.ResponseWriter) {
	writer.Header().Set("Connection", "Close")
	writer.WriteHeader(http.StatusBadRequest)
}

var _ emitter.Emitter = &Handler{}
