// Package hub fans newly ingested visits out to admin websocket
// connections. Delivery is at-most-once with no replay: a reconnecting
// admin re-fetches current rows over the query API before trusting live
// updates again.
package hub

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/pagewatch/pagewatch/internal/metrics"
	"github.com/pagewatch/pagewatch/internal/visit"
)

// Validator reports whether a session token is currently valid. The hub
// consults it before admitting a connection to the admin group; a
// connection is never admitted without it.
type Validator func(token string) bool

type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Hub owns the admin group membership set. All membership mutation happens
// on the run goroutine; everything else talks to it over channels.
type Hub struct {
	validate Validator

	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	done       chan struct{}

	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Hub and starts its run loop.
func New(validate Validator) *Hub {
	h := &Hub{
		validate:   validate,
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 64),
		done:       make(chan struct{}),
	}
	h.wg.Add(1)
	go h.run()
	return h
}

func (h *Hub) run() {
	defer h.wg.Done()
	members := make(map[*client]bool)
	for {
		select {
		case c := <-h.register:
			members[c] = true
			metrics.HubClients.Set(float64(len(members)))
		case c := <-h.unregister:
			if members[c] {
				delete(members, c)
				close(c.send)
				metrics.HubClients.Set(float64(len(members)))
			}
		case msg := <-h.broadcast:
			for c := range members {
				select {
				case c.send <- msg:
				default:
					// Slow consumer: drop the connection rather than
					// block the fan-out.
					delete(members, c)
					close(c.send)
					metrics.HubDropped.Inc()
				}
			}
			metrics.HubClients.Set(float64(len(members)))
		case <-h.done:
			for c := range members {
				close(c.send)
			}
			metrics.HubClients.Set(0)
			return
		}
	}
}

// Publish broadcasts one visit to the admin group. Fire-and-forget: a full
// or stopped hub drops the event and never blocks ingestion.
func (h *Hub) Publish(rec *visit.Record) {
	msg, err := json.Marshal(envelope{Event: "visit", Data: rec})
	if err != nil {
		slog.Error("marshal visit event", "err", err)
		return
	}
	select {
	case h.broadcast <- msg:
	case <-h.done:
	default:
		metrics.HubDropped.Inc()
	}
}

// Shutdown stops the run loop and closes every member connection's queue.
// Safe to call more than once.
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() { close(h.done) })
	h.wg.Wait()
}
