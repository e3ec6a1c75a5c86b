// Fieldsync - Offline-first mutation synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldsync

// Package events pushes session, queue and network events to connected UI
// clients over WebSocket, so the shell learns of AUTH_REQUIRED and of
// permanently failed mutations without polling the admin API.
//
// The Hub is a suture service: Serve fans queued messages out to clients
// until its context is canceled, then closes every connection.
//
//	hub := events.NewHub()
//	coordinator.Subscribe(hub.PublishSession)
//	engine.OnResolved(hub.PublishResolution)
//	tree.AddAPIService(hub)
package events

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tomtom215/fieldsync/internal/auth"
	"github.com/tomtom215/fieldsync/internal/logging"
	"github.com/tomtom215/fieldsync/internal/metrics"
	"github.com/tomtom215/fieldsync/internal/models"
	"github.com/tomtom215/fieldsync/internal/queue"
)

// Message types.
const (
	TypeSession    = "session"
	TypeResolution = "resolution"
	TypeNetwork    = "network"
	TypePing       = "ping"
	TypePong       = "pong"
)

// Resolution outcomes carried in ResolutionData.Outcome.
const (
	OutcomeDelivered        = "DELIVERED"
	OutcomePermanentFailure = "PERMANENT_FAILURE"
)

// Message is one frame sent to clients.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// SessionData is the payload of a session message.
type SessionData struct {
	Event  string    `json:"event"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// ResolutionData is the payload of a resolution message.
type ResolutionData struct {
	EntryID     string `json:"entryId"`
	RequestType string `json:"requestType"`
	CaseID      string `json:"caseId,omitempty"`
	BatchID     string `json:"batchId,omitempty"`
	Outcome     string `json:"outcome"`
	Attempts    int    `json:"attempts"`
	Error       string `json:"error,omitempty"`
	ErrorKind   string `json:"errorKind,omitempty"`
}

// Hub tracks connected clients and broadcasts messages to them.
type Hub struct {
	upgrader  websocket.Upgrader
	broadcast chan Message

	mu      sync.RWMutex
	clients map[*Client]bool
}

// NewHub returns a Hub. Nothing is delivered until Serve runs.
func NewHub() *Hub {
	return &Hub{
		// A nil CheckOrigin accepts requests without an Origin header and
		// same-host browser origins.
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: 10 * time.Second,
		},
		broadcast: make(chan Message, 256),
		clients:   make(map[*Client]bool),
	}
}

// String names the service in supervisor logs.
func (h *Hub) String() string { return "event-hub" }

// Serve broadcasts queued messages until ctx is canceled.
func (h *Hub) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			n := h.ClientCount()
			h.closeAllClients()
			logging.Info().
				Str("component", "event-hub").
				Int("clients_closed", n).
				Msg("Event hub stopped")
			return ctx.Err()
		case msg := <-h.broadcast:
			h.broadcastToClients(msg)
		}
	}
}

// ServeWS upgrades the request and registers the connection as a client.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		logging.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	c := newClient(h, conn)
	h.add(c)
	c.start()
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()
	metrics.EventClients.Set(float64(n))
	logging.Info().Int("total_clients", n).Msg("Event client connected")
}

// remove drops c and closes its send channel. Safe to call more than once.
func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	n := len(h.clients)
	h.mu.Unlock()
	metrics.EventClients.Set(float64(n))
	logging.Info().Int("total_clients", n).Msg("Event client disconnected")
}

// broadcastToClients sends msg to every client in connection order. A
// client whose buffer is full is dropped.
func (h *Hub) broadcastToClients(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].id < clients[j].id })

	for _, c := range clients {
		select {
		case c.send <- msg:
		default:
			close(c.send)
			delete(h.clients, c)
			logging.Warn().Uint64("client_id", c.id).Msg("Event client too slow, dropped")
		}
	}
	metrics.EventClients.Set(float64(len(h.clients)))
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	metrics.EventClients.Set(0)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish queues a message for every client. It never blocks; when the
// queue is full the message is dropped.
func (h *Hub) Publish(msgType string, data any) {
	select {
	case h.broadcast <- Message{Type: msgType, Data: data}:
		metrics.EventsPublished.WithLabelValues(msgType, "queued").Inc()
	default:
		metrics.EventsPublished.WithLabelValues(msgType, "dropped").Inc()
		logging.Warn().Str("message_type", msgType).Msg("Event queue full, dropping message")
	}
}

// PublishSession forwards a session event. Matches auth.Coordinator.Subscribe.
func (h *Hub) PublishSession(ev auth.Event) {
	h.Publish(TypeSession, SessionData{Event: string(ev.Type), At: ev.At, Reason: ev.Reason})
}

// PublishResolution forwards a delivered or permanently failed entry.
// Matches queue.Engine.OnResolved.
func (h *Hub) PublishResolution(_ context.Context, r queue.Resolution) {
	data := ResolutionData{
		EntryID:     r.Entry.ID,
		RequestType: string(r.Entry.Type),
		CaseID:      r.Entry.CaseID,
		BatchID:     r.Entry.BatchID,
		Outcome:     OutcomeDelivered,
		Attempts:    r.Entry.Attempts,
	}
	if !r.Delivered {
		data.Outcome = OutcomePermanentFailure
		data.ErrorKind = string(r.Entry.ErrorKind)
		if r.Err != nil {
			data.Error = r.Err.Error()
		}
	}
	h.Publish(TypeResolution, data)
}

// PublishNetwork forwards a connectivity change. Matches
// network.Monitor.Subscribe.
func (h *Hub) PublishNetwork(st models.NetworkState) {
	h.Publish(TypeNetwork, st)
}
