package realtime

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/codeblocks/internal/session"
	"go.uber.org/zap"
)

var errHubClosed = errors.New("realtime hub is closed")

// Recorder receives connection level activity for metrics.
type Recorder interface {
	ConnectionOpened()
	ConnectionClosed()
	EventReceived(event, outcome string)
	FrameDropped()
}

type outboundEnvelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type inboundEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Hub tracks open connections and the block groups they joined.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	groups  map[string]map[string]*Client
	closed  bool

	recorder Recorder
	logger   *zap.Logger
}

var _ session.Broadcaster = (*Hub)(nil)

func NewHub(logger *zap.Logger, recorder Recorder) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:  make(map[string]*Client),
		groups:   make(map[string]map[string]*Client),
		recorder: recorder,
		logger:   logger,
	}
}

// Broadcast sends the event to every connected client.
func (h *Hub) Broadcast(event string, payload any) {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		h.logger.Error("failed to encode broadcast", zap.String("event", event), zap.Error(err))
		return
	}
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		targets = append(targets, client)
	}
	h.mu.RUnlock()
	h.deliver(targets, event, frame)
}

// BroadcastGroup sends the event to the clients that joined group.
func (h *Hub) BroadcastGroup(group, event string, payload any) {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		h.logger.Error("failed to encode group broadcast", zap.String("event", event), zap.Error(err))
		return
	}
	h.mu.RLock()
	members := h.groups[group]
	targets := make([]*Client, 0, len(members))
	for _, client := range members {
		targets = append(targets, client)
	}
	h.mu.RUnlock()
	h.deliver(targets, event, frame)
}

// JoinGroup adds a registered connection to group. Unknown peers are ignored.
func (h *Hub) JoinGroup(group string, peer session.Peer) {
	if group == "" || peer == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	client, ok := h.clients[peer.ID()]
	if !ok {
		return
	}
	if _, ok := h.groups[group]; !ok {
		h.groups[group] = make(map[string]*Client)
	}
	h.groups[group][client.id] = client
}

func (h *Hub) LeaveGroup(group string, peer session.Peer) {
	if peer == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveGroupLocked(group, peer.ID())
}

// ConnectionCount returns the number of registered connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GroupSize returns the number of connections in group.
func (h *Hub) GroupSize(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

// Close stops accepting connections and tells every writer to send a close frame.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	targets := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		targets = append(targets, client)
	}
	h.mu.Unlock()
	for _, client := range targets {
		client.closeSend()
	}
}

func (h *Hub) register(client *Client) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return errHubClosed
	}
	h.clients[client.id] = client
	count := len(h.clients)
	h.mu.Unlock()

	if h.recorder != nil {
		h.recorder.ConnectionOpened()
	}
	h.logger.Debug("connection registered", zap.String("connection_id", client.id), zap.Int("connections", count))
	return nil
}

func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client.id)
	for group := range h.groups {
		h.leaveGroupLocked(group, client.id)
	}
	count := len(h.clients)
	h.mu.Unlock()

	client.closeSend()
	if h.recorder != nil {
		h.recorder.ConnectionClosed()
	}
	h.logger.Debug("connection unregistered", zap.String("connection_id", client.id), zap.Int("connections", count))
}

func (h *Hub) leaveGroupLocked(group, clientID string) {
	members := h.groups[group]
	if members == nil {
		return
	}
	delete(members, clientID)
	if len(members) == 0 {
		delete(h.groups, group)
	}
}

func (h *Hub) deliver(targets []*Client, event string, frame []byte) {
	for _, client := range targets {
		if client.enqueue(frame) {
			continue
		}
		if h.recorder != nil {
			h.recorder.FrameDropped()
		}
		h.logger.Debug("frame dropped", zap.String("event", event), zap.String("connection_id", client.id))
	}
}

func encodeFrame(event string, payload any) ([]byte, error) {
	return json.Marshal(outboundEnvelope{Event: event, Data: payload})
}
