package www

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fieldops/engine"
)

type SSEEvent struct {
	OrgID string
	Event string
	Data  string
}

type sseClient struct {
	orgID string
	ch    chan SSEEvent
}

// EventHub fans engine events out to dispatcher consoles. Each client
// subscribes to one organization; system events go to everyone.
type EventHub struct {
	mu        sync.RWMutex
	clients   map[*sseClient]struct{}
	broadcast chan SSEEvent
	stopOnce  sync.Once
	stopChan  chan struct{}
	log       zerolog.Logger
}

func NewEventHub(log zerolog.Logger) *EventHub {
	return &EventHub{
		clients:   make(map[*sseClient]struct{}),
		broadcast: make(chan SSEEvent, 256),
		stopChan:  make(chan struct{}),
		log:       log.With().Str("component", "sse").Logger(),
	}
}

func (h *EventHub) Start() {
	go h.run()
}

func (h *EventHub) Stop() {
	h.stopOnce.Do(func() { close(h.stopChan) })
}

func (h *EventHub) run() {
	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-h.stopChan:
			return
		case evt := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if evt.OrgID != "" && evt.OrgID != c.orgID {
					continue
				}
				select {
				case c.ch <- evt:
				default:
					// slow consumer; drop
				}
			}
			h.mu.RUnlock()
		case <-keepalive.C:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.ch <- SSEEvent{Event: "keepalive", Data: "ping"}:
				default:
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *EventHub) Broadcast(orgID, event, data string) {
	select {
	case h.broadcast <- SSEEvent{OrgID: orgID, Event: event, Data: data}:
	default:
		h.log.Debug().Str("event", event).Msg("broadcast buffer full")
	}
}

func (h *EventHub) addClient(orgID string) *sseClient {
	c := &sseClient{orgID: orgID, ch: make(chan SSEEvent, 64)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *EventHub) removeClient(c *sseClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SetupEngineListeners forwards every engine event as JSON, named by its type.
func (h *EventHub) SetupEngineListeners(eng *engine.Engine) engine.SubscriberID {
	return eng.Events.Subscribe(func(evt engine.Event) {
		data, err := json.Marshal(evt.Payload)
		if err != nil {
			h.log.Warn().Err(err).Str("event", evt.Type.String()).Msg("encode event")
			return
		}
		h.Broadcast(evt.OrgID, evt.Type.String(), string(data))
	})
}

// SSEHandler serves /api/orgs/{org}/events/stream.
func (h *EventHub) SSEHandler(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	c := h.addClient(orgID(r))
	defer h.removeClient(c)

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.stopChan:
			return
		case evt := <-c.ch:
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Event, evt.Data); err != nil {
				h.log.Debug().Err(err).Msg("write")
				return
			}
			flusher.Flush()
		}
	}
}
