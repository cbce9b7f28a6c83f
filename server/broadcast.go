package server

// Real-time fan-out of engine events to WebSocket clients. The bus has
// no replay, so each client additionally gets a status snapshot on
// connect to catch up on current state.

import (
	"time"

	"github.com/corvid-labs/tempo/cron"
)

// CronEventMessage wraps a lifecycle event for the "cron" channel
type CronEventMessage struct {
	Type      string     `json:"type"`
	Channel   string     `json:"channel"`
	Event     cron.Event `json:"event"`
	Timestamp int64      `json:"timestamp"`
}

// StatusMessage carries a queue status snapshot
type StatusMessage struct {
	Type      string            `json:"type"`
	Status    *cron.QueueStatus `json:"status"`
	Timestamp int64             `json:"timestamp"`
}

// broadcastMessage sends a message to all connected clients.
// Returns the number of clients that accepted the message (channel not full).
func (s *Server) broadcastMessage(msg interface{}) int {
	s.mu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		clients = append(clients, client)
	}
	s.mu.RUnlock()

	sent := 0
	for _, client := range clients {
		if client.queue(msg) {
			sent++
		} else {
			s.logger.Warnw("Client send channel full, dropping frame",
				"client_id", client.id,
			)
		}
	}
	return sent
}

// broadcastCronEvent is the bus subscriber bridging engine events onto
// the WebSocket channel
func (s *Server) broadcastCronEvent(event cron.Event) {
	msg := CronEventMessage{
		Type:      "cron_event",
		Channel:   "cron",
		Event:     event,
		Timestamp: time.Now().Unix(),
	}

	sent := s.broadcastMessage(msg)
	s.logger.Debugw("Broadcasted cron event",
		"job_id", event.JobID,
		"action", event.Action,
		"clients", sent,
	)
}

// sendStatusSnapshot pushes the current queue status to one client
func (s *Server) sendStatusSnapshot(client *Client) {
	status, err := s.service.Status()
	if err != nil {
		s.logger.Warnw("Failed to build status snapshot",
			"client_id", client.id,
			"error", err,
		)
		return
	}

	client.queue(StatusMessage{
		Type:      "status",
		Status:    status,
		Timestamp: time.Now().Unix(),
	})
}
