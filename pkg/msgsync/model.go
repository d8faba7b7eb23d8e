// msgsync - A client-side message synchronization engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package msgsync

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ConversationKind is the closed set of conversation shapes.
type ConversationKind int

const (
	KindSingle ConversationKind = iota + 1
	KindGroup
)

func (k ConversationKind) String() string {
	switch k {
	case KindSingle:
		return "single"
	case KindGroup:
		return "group"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func (k ConversationKind) MarshalText() ([]byte, error) {
	switch k {
	case KindSingle, KindGroup:
		return []byte(k.String()), nil
	}
	return nil, fmt.Errorf("invalid conversation kind %d", int(k))
}

func (k *ConversationKind) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "single", "dm":
		*k = KindSingle
	case "group":
		*k = KindGroup
	default:
		return &ValidationError{Field: "kind", Value: string(text)}
	}
	return nil
}

// MessageType is the closed set of message payload kinds.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeVideo    MessageType = "video"
	TypeAudio    MessageType = "audio"
	TypeFile     MessageType = "file"
	TypeLocation MessageType = "location"
	TypeSystem   MessageType = "system"
)

func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeVideo, TypeAudio, TypeFile, TypeLocation, TypeSystem:
		return true
	}
	return false
}

// ParseMessageType maps a wire string to a MessageType. An empty string is
// treated as text since older servers omitted the field for plain messages.
func ParseMessageType(s string) (MessageType, error) {
	if s == "" {
		return TypeText, nil
	}
	t := MessageType(strings.ToLower(s))
	if !t.Valid() {
		return "", &ValidationError{Field: "type", Value: s}
	}
	return t, nil
}

// DeliveryStatus tracks an individual message through the send pipeline.
type DeliveryStatus int

const (
	StatusPending DeliveryStatus = iota
	StatusSent
	StatusDelivered
	StatusRead
	StatusFailed
)

func (s DeliveryStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

func (s DeliveryStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *DeliveryStatus) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "pending":
		*s = StatusPending
	case "sent", "":
		*s = StatusSent
	case "delivered":
		*s = StatusDelivered
	case "read":
		*s = StatusRead
	case "failed":
		*s = StatusFailed
	default:
		return &ValidationError{Field: "delivery_status", Value: string(text)}
	}
	return nil
}

// Conversation is the locally cached view of a chat thread.
type Conversation struct {
	ID                 string           `json:"id"`
	Kind               ConversationKind `json:"kind"`
	CounterpartID      string           `json:"counterpart_id"`
	DisplayName        string           `json:"display_name,omitempty"`
	AvatarRef          string           `json:"avatar_ref,omitempty"`
	LastMessagePreview string           `json:"last_message_preview,omitempty"`
	LastMessageAt      int64            `json:"last_message_at"`
	UnreadCount        int              `json:"unread_count"`
	Pinned             bool             `json:"pinned"`
	Muted              bool             `json:"muted"`

	// Provisional is set when the kind was defaulted to single because the
	// group probe could not be answered. The repair pass resolves it.
	Provisional bool `json:"provisional,omitempty"`
}

// Message is a single locally cached message.
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	SenderID       string          `json:"sender_id"`
	ReceiverID     string          `json:"receiver_id"`
	Content        string          `json:"content"`
	Type           MessageType     `json:"type"`
	CreatedAt      int64           `json:"created_at"`
	DeliveryStatus DeliveryStatus  `json:"delivery_status"`
	Recalled       bool            `json:"recalled,omitempty"`
	Extra          json.RawMessage `json:"extra,omitempty"`
}

// MessageRecord is the wire form of a message, used by both the delivery
// channel and the remote message service.
type MessageRecord struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId"`
	SenderID       string          `json:"senderId"`
	ReceiverID     string          `json:"receiverId"`
	Content        string          `json:"content"`
	Type           string          `json:"type"`
	CreatedAt      int64           `json:"createdAt"`
	Status         string          `json:"status,omitempty"`
	Recalled       bool            `json:"recalled,omitempty"`
	Extra          json.RawMessage `json:"extra,omitempty"`
}

func recordFromMessage(msg *Message) MessageRecord {
	return MessageRecord{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		ReceiverID:     msg.ReceiverID,
		Content:        msg.Content,
		Type:           string(msg.Type),
		CreatedAt:      msg.CreatedAt,
		Recalled:       msg.Recalled,
		Extra:          msg.Extra,
	}
}

// ConversationRecord is the remote service's view of a conversation.
type ConversationRecord struct {
	ID            string `json:"id"`
	Kind          string `json:"kind"`
	CounterpartID string `json:"counterpartId"`
	DisplayName   string `json:"displayName,omitempty"`
	AvatarRef     string `json:"avatarRef,omitempty"`
	Pinned        bool   `json:"pinned,omitempty"`
	Muted         bool   `json:"muted,omitempty"`
}

// GroupRecord is returned by the remote group lookup.
type GroupRecord struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}

// previewText is what the conversation list shows for a message.
func previewText(msg *Message) string {
	if msg.Recalled {
		return "Message recalled"
	}
	switch msg.Type {
	case TypeText, TypeSystem:
		text := strings.TrimSpace(msg.Content)
		if len([]rune(text)) > 120 {
			text = string([]rune(text)[:120])
		}
		return text
	case TypeImage:
		return "[Image]"
	case TypeVideo:
		return "[Video]"
	case TypeAudio:
		return "[Voice]"
	case TypeLocation:
		return "[Location]"
	default:
		return "[File]"
	}
}
