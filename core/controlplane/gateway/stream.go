package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/opal-compute/gateway/core/controlplane/admission"
	"github.com/opal-compute/gateway/core/infra/bus"
	"github.com/opal-compute/gateway/core/infra/logging"
)

const (
	hubBuffer    = 512
	clientBuffer = 100
)

var upgrader = websocket.Upgrader{
	CheckOrigin:  isAllowedOrigin,
	Subprotocols: []string{wsAPIKeyProtocol},
}

type streamClient struct {
	ch   chan admission.JobEvent
	conn io.Closer
}

// hub broadcasts job events to websocket listeners. Clients that cannot keep
// up are disconnected.
type hub struct {
	events    chan admission.JobEvent
	clientsMu sync.RWMutex
	clients   map[*streamClient]struct{}
}

func newHub() *hub {
	return &hub{
		events:  make(chan admission.JobEvent, hubBuffer),
		clients: make(map[*streamClient]struct{}),
	}
}

// PublishJobEvent queues evt for broadcast, dropping it when the hub is saturated.
func (h *hub) PublishJobEvent(evt admission.JobEvent) {
	select {
	case h.events <- evt:
	default:
	}
}

func (h *hub) join(conn io.Closer) *streamClient {
	c := &streamClient{ch: make(chan admission.JobEvent, clientBuffer), conn: conn}
	h.clientsMu.Lock()
	h.clients[c] = struct{}{}
	h.clientsMu.Unlock()
	return c
}

func (h *hub) leave(c *streamClient) {
	h.clientsMu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.clientsMu.Unlock()
	if ok {
		close(c.ch)
	}
}

func (h *hub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-h.events:
			h.broadcast(evt)
		}
	}
}

func (h *hub) broadcast(evt admission.JobEvent) {
	var slow []*streamClient
	h.clientsMu.RLock()
	for c := range h.clients {
		select {
		case c.ch <- evt:
		default:
			slow = append(slow, c)
		}
	}
	h.clientsMu.RUnlock()

	for _, c := range slow {
		h.leave(c)
		if c.conn == nil {
			continue
		}
		if err := c.conn.Close(); err != nil {
			logging.Error("api-gateway", "ws client close failed", "error", err)
		}
	}
}

// startBusTaps mirrors job events from every gateway replica into the hub.
func (s *server) startBusTaps(sub bus.Subscriber) error {
	for _, subject := range []string{bus.SubjectJobAdmitted, bus.SubjectJobCancelled, bus.SubjectJobUpdated} {
		if err := sub.Subscribe(subject, "", s.tapJobEvent); err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
	}
	return nil
}

func (s *server) tapJobEvent(data []byte) error {
	var evt admission.JobEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		logging.Error("api-gateway", "drop undecodable job event", "error", err)
		return nil
	}
	s.hub.PublishJobEvent(evt)
	return nil
}

func (s *server) handleStream(w http.ResponseWriter, r *http.Request) {
	if _, err := s.pipeline.AuthenticateAdmin(r.Context(), callerFrom(r, "")); err != nil {
		writeError(w, r, err)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("api-gateway", "ws upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	logging.Info("api-gateway", "ws connected", "remote", r.RemoteAddr)

	client := s.hub.join(ws)
	defer s.hub.leave(client)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case evt, ok := <-client.ch:
			if !ok {
				return
			}
			if err := ws.WriteJSON(evt); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
