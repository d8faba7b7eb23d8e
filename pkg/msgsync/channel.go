// msgsync - A client-side message synchronization engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package msgsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

type ChannelEventKind int

const (
	EventMessage ChannelEventKind = iota + 1
	EventReceipt
	EventRecall
	EventConnected
	EventDisconnected
)

func (k ChannelEventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventReceipt:
		return "receipt"
	case EventRecall:
		return "recall"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// ChannelEvent is one inbound event. Message is set for EventMessage,
// MessageID for receipts and recalls, Status for receipts and Err for
// disconnects caused by a transport failure.
type ChannelEvent struct {
	Kind      ChannelEventKind
	Message   *MessageRecord
	MessageID string
	Status    DeliveryStatus
	Err       error
}

// DeliveryChannel is the live push transport. Events returns the same channel
// for the lifetime of the DeliveryChannel, across reconnects.
type DeliveryChannel interface {
	Connect(ctx context.Context, credential string) error
	Disconnect() error
	// Send is best effort. True means the transport accepted the frame, not
	// that the peer received it.
	Send(ctx context.Context, record MessageRecord) bool
	Events() <-chan ChannelEvent
	Connected() bool
}

const (
	frameMessage = "message"
	frameReceipt = "receipt"
	frameRecall  = "recall"

	wsReadLimit      = 1 << 20
	wsWriteTimeout   = 10 * time.Second
	eventsBufferSize = 256
)

type wireFrame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// WSChannel is a DeliveryChannel over a websocket session.
type WSChannel struct {
	url    string
	log    zerolog.Logger
	events chan ChannelEvent

	lock       sync.Mutex
	conn       *websocket.Conn
	connCancel context.CancelFunc
	session    uint64
}

var _ DeliveryChannel = (*WSChannel)(nil)

func NewWSChannel(url string, log zerolog.Logger) *WSChannel {
	return &WSChannel{
		url:    url,
		log:    log.With().Str("component", "channel").Logger(),
		events: make(chan ChannelEvent, eventsBufferSize),
	}
}

func (c *WSChannel) Events() <-chan ChannelEvent {
	return c.events
}

func (c *WSChannel) Connected() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.conn != nil
}

// Connect dials a new session, replacing any existing one.
func (c *WSChannel) Connect(ctx context.Context, credential string) error {
	header := http.Header{}
	if credential != "" {
		header.Set("Authorization", "Bearer "+credential)
	}
	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: header,
	})
	if err != nil {
		return &TransportError{Op: "channel connect", Err: err}
	}
	conn.SetReadLimit(wsReadLimit)

	c.lock.Lock()
	if c.conn != nil {
		// Replaced, not lost: no disconnect event for the old session.
		_ = c.teardownLocked(nil, false)
	}
	c.session++
	session := c.session
	connCtx, cancel := context.WithCancel(context.Background())
	c.conn = conn
	c.connCancel = cancel
	c.lock.Unlock()

	c.log.Debug().Uint64("session", session).Msg("Delivery channel connected")
	c.emitStatus(ChannelEvent{Kind: EventConnected})
	go c.readLoop(connCtx, conn, session)
	return nil
}

func (c *WSChannel) Disconnect() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.teardownLocked(nil, true)
}

// teardownLocked closes the current session and, if emit is set, reports it.
// Caller holds lock.
func (c *WSChannel) teardownLocked(cause error, emit bool) error {
	conn := c.conn
	c.conn = nil
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	code, reason := websocket.StatusNormalClosure, "bye"
	if cause != nil {
		code, reason = websocket.StatusGoingAway, "transport failure"
	}
	err := conn.Close(code, reason)
	if emit {
		c.emitStatus(ChannelEvent{Kind: EventDisconnected, Err: cause})
	}
	if cause != nil {
		return nil
	}
	return err
}

// dropSession tears down session if it is still the current one.
func (c *WSChannel) dropSession(session uint64, cause error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.session != session || c.conn == nil {
		return
	}
	c.log.Warn().Err(cause).Uint64("session", session).Msg("Delivery channel lost")
	_ = c.teardownLocked(cause, true)
}

func (c *WSChannel) Send(ctx context.Context, record MessageRecord) bool {
	data, err := json.Marshal(wireFrame{Type: frameMessage, Data: record})
	if err != nil {
		c.log.Err(err).Str("message_id", record.ID).Msg("Failed to encode outbound frame")
		return false
	}
	c.lock.Lock()
	conn, session := c.conn, c.session
	c.lock.Unlock()
	if conn == nil {
		return false
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	if err = conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		if ctx.Err() == nil {
			c.dropSession(session, err)
		}
		return false
	}
	return true
}

func (c *WSChannel) readLoop(ctx context.Context, conn *websocket.Conn, session uint64) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.dropSession(session, err)
			}
			return
		}
		if typ != websocket.MessageText {
			c.log.Debug().Uint64("session", session).Msg("Ignoring binary frame")
			continue
		}
		evt, ok, err := decodeFrame(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("Dropping malformed frame")
			continue
		} else if !ok {
			c.log.Debug().Str("frame_type", gjson.GetBytes(data, "type").Str).Msg("Dropping frame of unknown type")
			continue
		}
		select {
		case c.events <- evt:
		case <-ctx.Done():
			return
		}
	}
}

// emitStatus never blocks: connectivity events are advisory and a full
// buffer already means the consumer has work queued.
func (c *WSChannel) emitStatus(evt ChannelEvent) {
	select {
	case c.events <- evt:
	default:
		c.log.Warn().Stringer("event", evt.Kind).Msg("Event buffer full, dropping connectivity event")
	}
}

func decodeFrame(data []byte) (ChannelEvent, bool, error) {
	if !gjson.ValidBytes(data) {
		return ChannelEvent{}, false, errors.New("invalid json")
	}
	payload := gjson.GetBytes(data, "data")
	switch gjson.GetBytes(data, "type").Str {
	case frameMessage:
		var record MessageRecord
		if err := json.Unmarshal([]byte(payload.Raw), &record); err != nil {
			return ChannelEvent{}, false, fmt.Errorf("failed to decode message frame: %w", err)
		}
		if record.ID == "" {
			return ChannelEvent{}, false, errors.New("message frame without id")
		}
		return ChannelEvent{Kind: EventMessage, Message: &record}, true, nil
	case frameReceipt:
		id := payload.Get("messageId").Str
		if id == "" {
			return ChannelEvent{}, false, errors.New("receipt frame without message id")
		}
		var status DeliveryStatus
		if err := status.UnmarshalText([]byte(payload.Get("status").Str)); err != nil {
			return ChannelEvent{}, false, err
		}
		return ChannelEvent{Kind: EventReceipt, MessageID: id, Status: status}, true, nil
	case frameRecall:
		id := payload.Get("messageId").Str
		if id == "" {
			return ChannelEvent{}, false, errors.New("recall frame without message id")
		}
		return ChannelEvent{Kind: EventRecall, MessageID: id}, true, nil
	default:
		return ChannelEvent{}, false, nil
	}
}
