package server

import (
	"context"
	"errors"
	"log/slog"

	"github.com/BioHazard786/warplink/internal/record"
	"github.com/BioHazard786/warplink/internal/signaling"
)

type request struct {
	client *Client
	msg    *signaling.Message
}

// Hub owns every websocket subscriber and its record subscriptions. All
// subscriber state is mutated on the Run goroutine.
type Hub struct {
	store  record.Store
	logger *slog.Logger

	register   chan *Client
	unregister chan *Client
	requests   chan request
	done       chan struct{}

	clients map[*Client]bool
}

func NewHub(store record.Store, logger *slog.Logger) *Hub {
	return &Hub{
		store:      store,
		logger:     logger.With("component", "hub"),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		requests:   make(chan request),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
	}
}

func (h *Hub) join(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) dispatch(c *Client, msg *signaling.Message) {
	select {
	case h.requests <- request{client: c, msg: msg}:
	case <-h.done:
	}
}

// Run processes hub events until ctx is cancelled, then drops every
// subscriber.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		for c := range h.clients {
			h.drop(c)
			_ = c.conn.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.clients[c] = true
			c.logger.Debug("subscriber connected")

		case c := <-h.unregister:
			if h.clients[c] {
				h.drop(c)
				c.logger.Debug("subscriber disconnected")
			}

		case req := <-h.requests:
			h.handle(ctx, req.client, req.msg)
		}
	}
}

// drop releases the client's subscriptions before closing its queue, so no
// store callback pushes into a closed channel.
func (h *Hub) drop(c *Client) {
	for id, unsubscribe := range c.subs {
		unsubscribe()
		delete(c.subs, id)
	}
	delete(h.clients, c)
	c.shutdown()
}

func (h *Hub) handle(ctx context.Context, c *Client, msg *signaling.Message) {
	switch msg.Type {
	case signaling.MessageTypeSubscribe:
		h.subscribe(ctx, c, msg.RecordID)

	case signaling.MessageTypeUnsubscribe:
		if unsubscribe, ok := c.subs[msg.RecordID]; ok {
			unsubscribe()
			delete(c.subs, msg.RecordID)
		}

	default:
		c.logger.Debug("unknown message type", "type", msg.Type)
		c.push(&signaling.Message{Type: signaling.MessageTypeError, Error: "unknown message type " + msg.Type})
	}
}

func (h *Hub) subscribe(ctx context.Context, c *Client, id string) {
	if id == "" {
		c.push(&signaling.Message{Type: signaling.MessageTypeError, Error: "record_id is required"})
		return
	}
	if _, ok := c.subs[id]; ok {
		c.push(&signaling.Message{Type: signaling.MessageTypeSubscribed, RecordID: id})
		return
	}

	unsubscribe, err := h.store.Subscribe(ctx, id, func(r record.Record) {
		c.push(&signaling.Message{Type: signaling.MessageTypeRecordChanged, RecordID: r.ID, Record: &r})
	})
	if err != nil {
		level := slog.LevelWarn
		if errors.Is(err, record.ErrNotFound) {
			level = slog.LevelDebug
		}
		c.logger.Log(ctx, level, "subscribe failed", "record", id, "error", err)
		c.push(&signaling.Message{Type: signaling.MessageTypeError, RecordID: id, Error: err.Error()})
		return
	}

	c.subs[id] = unsubscribe
	c.push(&signaling.Message{Type: signaling.MessageTypeSubscribed, RecordID: id})
}
