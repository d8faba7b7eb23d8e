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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/exsync"
	"go.mau.fi/util/ptr"
)

const checkpointKey = "checkpoint"

// CacheStore is the local persistent cache of conversations, messages and
// tombstones. Every mutation that touches more than one row runs in a single
// transaction so a cancelled caller never leaves a half-applied unit of work.
type CacheStore struct {
	db  *dbutil.Database
	log zerolog.Logger

	// tombstones mirrors the tombstone table so the hot apply path can drop
	// deleted ids without a query. The table stays authoritative.
	tombstones atomic.Pointer[exsync.Set[string]]

	listenerLock sync.RWMutex
	listener     func(conversationIDs []string)
}

type scannable interface {
	Scan(dest ...any) error
}

// OpenCacheStore opens (or creates) the SQLite cache at path. Use ":memory:"
// for a throwaway store.
func OpenCacheStore(ctx context.Context, path string, log zerolog.Logger) (*CacheStore, error) {
	uri := path
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		uri = fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	}
	db, err := dbutil.NewWithDialect(uri, "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	// SQLite serializes writers anyway; a single connection also keeps
	// :memory: databases from splitting into one database per connection.
	db.RawDB.SetMaxOpenConns(1)
	db.Log = dbutil.ZeroLogger(log.With().Str("db_section", "cache").Logger())
	store := NewCacheStore(db, log)
	if err = store.ensureSchema(ctx); err != nil {
		_ = db.RawDB.Close()
		return nil, err
	}
	if err = store.loadTombstones(ctx); err != nil {
		_ = db.RawDB.Close()
		return nil, err
	}
	return store, nil
}

func NewCacheStore(db *dbutil.Database, log zerolog.Logger) *CacheStore {
	s := &CacheStore{
		db:  db,
		log: log.With().Str("component", "cache_store").Logger(),
	}
	s.tombstones.Store(exsync.NewSet[string]())
	return s
}

func (s *CacheStore) Close() error {
	return s.db.RawDB.Close()
}

// SetChangeListener registers fn to be called after every committed mutation
// with the ids of the conversations it touched. A nil slice means everything
// changed.
func (s *CacheStore) SetChangeListener(fn func(conversationIDs []string)) {
	s.listenerLock.Lock()
	s.listener = fn
	s.listenerLock.Unlock()
}

func (s *CacheStore) notify(conversationIDs ...string) {
	s.listenerLock.RLock()
	fn := s.listener
	s.listenerLock.RUnlock()
	if fn != nil {
		fn(conversationIDs)
	}
}

func (s *CacheStore) notifyAll() {
	s.listenerLock.RLock()
	fn := s.listener
	s.listenerLock.RUnlock()
	if fn != nil {
		fn(nil)
	}
}

func (s *CacheStore) ensureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS conversation (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			counterpart_id TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			avatar_ref TEXT NOT NULL DEFAULT '',
			last_message_preview TEXT NOT NULL DEFAULT '',
			last_message_at BIGINT NOT NULL DEFAULT 0,
			unread_count INTEGER NOT NULL DEFAULT 0,
			pinned BOOLEAN NOT NULL DEFAULT FALSE,
			muted BOOLEAN NOT NULL DEFAULT FALSE,
			created_ts BIGINT NOT NULL,
			updated_ts BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS message (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			receiver_id TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			delivery_status INTEGER NOT NULL,
			recalled BOOLEAN NOT NULL DEFAULT FALSE,
			extra TEXT,
			updated_ts BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tombstone (
			message_id TEXT PRIMARY KEY,
			created_ts BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sync_state (
			key TEXT PRIMARY KEY,
			value BIGINT NOT NULL,
			updated_ts BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS group_directory (
			group_id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			avatar_ref TEXT NOT NULL DEFAULT '',
			updated_ts BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pending_remote_delete (
			message_id TEXT PRIMARY KEY,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			created_ts BIGINT NOT NULL,
			updated_ts BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS message_conversation_ts_idx
			ON message (conversation_id, created_at, id)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure cache schema: %w", err)
		}
	}

	// Migration: add provisional column if missing (SQLite doesn't support IF NOT EXISTS on ALTER)
	var hasProvisional int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM pragma_table_info('conversation') WHERE name='provisional'`).Scan(&hasProvisional)
	if err != nil {
		return fmt.Errorf("failed to inspect conversation table: %w", err)
	}
	if hasProvisional == 0 {
		if _, err = s.db.Exec(ctx, `ALTER TABLE conversation ADD COLUMN provisional BOOLEAN NOT NULL DEFAULT FALSE`); err != nil {
			return fmt.Errorf("failed to add provisional column: %w", err)
		}
	}

	return s.importLegacySessions(ctx)
}

// importLegacySessions moves rows from the pre-canonical chat_session table
// into conversation. That table had no uniqueness on session_id, so the same
// conversation can appear several times; resolveDuplicateConversations picks
// one survivor per id.
func (s *CacheStore) importLegacySessions(ctx context.Context) error {
	var hasLegacy int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='chat_session'`).Scan(&hasLegacy)
	if err != nil {
		return fmt.Errorf("failed to look for legacy sessions: %w", err)
	} else if hasLegacy == 0 {
		return nil
	}
	return s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		rows, err := s.db.Query(ctx, `
			SELECT session_id, session_type, target_id, COALESCE(name, ''), COALESCE(avatar, ''),
			       COALESCE(last_msg, ''), COALESCE(last_time, 0), COALESCE(unread, 0),
			       COALESCE(top, 0), COALESCE(mute, 0)
			FROM chat_session
		`)
		if err != nil {
			return fmt.Errorf("failed to read legacy sessions: %w", err)
		}
		var legacy []Conversation
		for rows.Next() {
			var conv Conversation
			var sessionType string
			if err = rows.Scan(
				&conv.ID, &sessionType, &conv.CounterpartID, &conv.DisplayName, &conv.AvatarRef,
				&conv.LastMessagePreview, &conv.LastMessageAt, &conv.UnreadCount,
				&conv.Pinned, &conv.Muted,
			); err != nil {
				rows.Close()
				return err
			}
			if err = conv.Kind.UnmarshalText([]byte(sessionType)); err != nil {
				conv.Kind = legacyKind(sessionType)
			}
			legacy = append(legacy, conv)
		}
		rows.Close()
		if err = rows.Err(); err != nil {
			return err
		}

		survivors := resolveDuplicateConversations(legacy)
		for i := range survivors {
			if err = s.upsertConversationTx(ctx, &survivors[i]); err != nil {
				return fmt.Errorf("failed to import legacy session %s: %w", survivors[i].ID, err)
			}
		}
		if _, err = s.db.Exec(ctx, `DROP TABLE chat_session`); err != nil {
			return fmt.Errorf("failed to drop legacy sessions: %w", err)
		}
		s.log.Info().
			Int("legacy_rows", len(legacy)).
			Int("imported", len(survivors)).
			Msg("Imported legacy chat sessions")
		return nil
	})
}

// legacyKind decodes the numeric session types older clients wrote.
func legacyKind(sessionType string) ConversationKind {
	if sessionType == "2" {
		return KindGroup
	}
	return KindSingle
}

// matchesCanonicalShape reports whether the kind and counterpart of conv agree
// with the id scheme: groups point at themselves, single chats are keyed by
// the sorted pair that includes the counterpart.
func matchesCanonicalShape(conv *Conversation) bool {
	switch conv.Kind {
	case KindGroup:
		return conv.CounterpartID == conv.ID && !IsSingleID(conv.ID)
	case KindSingle:
		parts := strings.Split(conv.ID, SingleIDSeparator)
		if len(parts) != 2 || DeriveSingleID(parts[0], parts[1]) != conv.ID {
			return false
		}
		return parts[0] == conv.CounterpartID || parts[1] == conv.CounterpartID
	}
	return false
}

// resolveDuplicateConversations keeps one record per id, preferring the one
// whose shape matches canonicalization and then the most recently active.
// Input order is otherwise preserved.
func resolveDuplicateConversations(convs []Conversation) []Conversation {
	index := make(map[string]int, len(convs))
	out := make([]Conversation, 0, len(convs))
	for _, conv := range convs {
		i, seen := index[conv.ID]
		if !seen {
			index[conv.ID] = len(out)
			out = append(out, conv)
			continue
		}
		current := &out[i]
		currentCanonical := matchesCanonicalShape(current)
		candidateCanonical := matchesCanonicalShape(&conv)
		switch {
		case candidateCanonical && !currentCanonical:
			out[i] = conv
		case candidateCanonical == currentCanonical && conv.LastMessageAt > current.LastMessageAt:
			out[i] = conv
		}
	}
	return out
}

func (s *CacheStore) loadTombstones(ctx context.Context) error {
	rows, err := s.db.Query(ctx, `SELECT message_id FROM tombstone`)
	if err != nil {
		return fmt.Errorf("failed to load tombstones: %w", err)
	}
	defer rows.Close()
	set := exsync.NewSet[string]()
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			return err
		}
		set.Add(id)
	}
	if err = rows.Err(); err != nil {
		return err
	}
	s.tombstones.Store(set)
	return nil
}

// ============================================================================
// Conversations
// ============================================================================

const conversationColumns = `id, kind, counterpart_id, display_name, avatar_ref, last_message_preview,
	last_message_at, unread_count, pinned, muted, provisional`

func scanConversation(row scannable) (*Conversation, error) {
	var conv Conversation
	var kind string
	err := row.Scan(
		&conv.ID, &kind, &conv.CounterpartID, &conv.DisplayName, &conv.AvatarRef,
		&conv.LastMessagePreview, &conv.LastMessageAt, &conv.UnreadCount,
		&conv.Pinned, &conv.Muted, &conv.Provisional,
	)
	if err != nil {
		return nil, err
	}
	if err = conv.Kind.UnmarshalText([]byte(kind)); err != nil {
		return nil, err
	}
	return &conv, nil
}

// UpsertConversation creates or updates a conversation by id. Activity fields
// only move forward: an update carrying an older lastMessageAt leaves the
// stored preview untouched. Unread counters are owned by the apply path and
// are never overwritten here.
func (s *CacheStore) UpsertConversation(ctx context.Context, conv *Conversation) error {
	if conv.ID == "" {
		return &ValidationError{Field: "conversation_id", Value: conv.ID, Reason: "empty"}
	}
	if err := s.upsertConversationTx(ctx, conv); err != nil {
		return err
	}
	s.notify(conv.ID)
	return nil
}

func (s *CacheStore) upsertConversationTx(ctx context.Context, conv *Conversation) error {
	nowMS := time.Now().UnixMilli()
	_, err := s.db.Exec(ctx, `
		INSERT INTO conversation (
			id, kind, counterpart_id, display_name, avatar_ref, last_message_preview,
			last_message_at, unread_count, pinned, muted, provisional, created_ts, updated_ts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		ON CONFLICT (id) DO UPDATE SET
			kind=excluded.kind,
			counterpart_id=excluded.counterpart_id,
			display_name=CASE WHEN excluded.display_name <> '' THEN excluded.display_name ELSE conversation.display_name END,
			avatar_ref=CASE WHEN excluded.avatar_ref <> '' THEN excluded.avatar_ref ELSE conversation.avatar_ref END,
			last_message_preview=CASE
				WHEN excluded.last_message_at > 0 AND excluded.last_message_at >= conversation.last_message_at
				THEN excluded.last_message_preview
				ELSE conversation.last_message_preview
			END,
			last_message_at=CASE
				WHEN excluded.last_message_at > conversation.last_message_at
				THEN excluded.last_message_at
				ELSE conversation.last_message_at
			END,
			pinned=excluded.pinned,
			muted=excluded.muted,
			provisional=excluded.provisional,
			updated_ts=excluded.updated_ts
	`, conv.ID, conv.Kind.String(), conv.CounterpartID, conv.DisplayName, conv.AvatarRef,
		conv.LastMessagePreview, conv.LastMessageAt, conv.UnreadCount, conv.Pinned, conv.Muted,
		conv.Provisional, nowMS)
	return err
}

// EnsureConversation inserts conv if no conversation with its id exists. An
// existing row is never modified. Returns whether a row was created.
func (s *CacheStore) EnsureConversation(ctx context.Context, conv *Conversation) (bool, error) {
	created, err := s.ensureConversationTx(ctx, conv)
	if err != nil {
		return false, err
	}
	if created {
		s.notify(conv.ID)
	}
	return created, nil
}

func (s *CacheStore) ensureConversationTx(ctx context.Context, conv *Conversation) (bool, error) {
	if conv.ID == "" {
		return false, &ValidationError{Field: "conversation_id", Value: conv.ID, Reason: "empty"}
	}
	nowMS := time.Now().UnixMilli()
	res, err := s.db.Exec(ctx, `
		INSERT INTO conversation (
			id, kind, counterpart_id, display_name, avatar_ref, last_message_preview,
			last_message_at, unread_count, pinned, muted, provisional, created_ts, updated_ts
		) VALUES ($1, $2, $3, $4, $5, '', 0, 0, FALSE, FALSE, $6, $7, $7)
		ON CONFLICT (id) DO NOTHING
	`, conv.ID, conv.Kind.String(), conv.CounterpartID, conv.DisplayName, conv.AvatarRef, conv.Provisional, nowMS)
	if err != nil {
		return false, fmt.Errorf("failed to ensure conversation %s: %w", conv.ID, err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (s *CacheStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	conv, err := scanConversation(s.db.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversation WHERE id=$1`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return conv, err
}

// ListConversations returns every conversation ordered by pinned first and
// then most recent activity.
func (s *CacheStore) ListConversations(ctx context.Context) ([]Conversation, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+conversationColumns+` FROM conversation
		ORDER BY pinned DESC, last_message_at DESC, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var convs []Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *conv)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return resolveDuplicateConversations(convs), nil
}

// UpdateActivity moves the conversation preview forward. Events older than
// the stored lastMessageAt are ignored; equal timestamps resolve to the last
// applied update.
func (s *CacheStore) UpdateActivity(ctx context.Context, conversationID, preview string, at int64) (bool, error) {
	updated, err := s.updateActivityTx(ctx, conversationID, preview, at)
	if err == nil && updated {
		s.notify(conversationID)
	}
	return updated, err
}

func (s *CacheStore) updateActivityTx(ctx context.Context, conversationID, preview string, at int64) (bool, error) {
	res, err := s.db.Exec(ctx, `
		UPDATE conversation SET last_message_preview=$2, last_message_at=$3, updated_ts=$4
		WHERE id=$1 AND last_message_at <= $3
	`, conversationID, preview, at, time.Now().UnixMilli())
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// MarkRead clears the unread counter and marks every inbound message in the
// conversation as read.
func (s *CacheStore) MarkRead(ctx context.Context, conversationID, selfID string) error {
	err := s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		nowMS := time.Now().UnixMilli()
		if _, err := s.db.Exec(ctx,
			`UPDATE conversation SET unread_count=0, updated_ts=$2 WHERE id=$1`,
			conversationID, nowMS,
		); err != nil {
			return err
		}
		_, err := s.db.Exec(ctx, `
			UPDATE message SET delivery_status=$3, updated_ts=$4
			WHERE conversation_id=$1 AND sender_id<>$2 AND delivery_status IN ($5, $6)
		`, conversationID, selfID, StatusRead, nowMS, StatusSent, StatusDelivered)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to mark %s read: %w", conversationID, err)
	}
	s.notify(conversationID)
	return nil
}

func (s *CacheStore) SetConversationFlags(ctx context.Context, conversationID string, pinned, muted *bool) error {
	_, err := s.db.Exec(ctx, `
		UPDATE conversation SET
			pinned=COALESCE($2, pinned),
			muted=COALESCE($3, muted),
			updated_ts=$4
		WHERE id=$1
	`, conversationID, nullableBool(pinned), nullableBool(muted), time.Now().UnixMilli())
	if err != nil {
		return err
	}
	s.notify(conversationID)
	return nil
}

// ============================================================================
// Messages
// ============================================================================

const messageColumns = `id, conversation_id, sender_id, receiver_id, content, type, created_at,
	delivery_status, recalled, extra`

func scanMessage(row scannable) (*Message, error) {
	var msg Message
	var msgType string
	var extra sql.NullString
	err := row.Scan(
		&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.ReceiverID, &msg.Content, &msgType,
		&msg.CreatedAt, &msg.DeliveryStatus, &msg.Recalled, &extra,
	)
	if err != nil {
		return nil, err
	}
	msg.Type = MessageType(msgType)
	if extra.Valid && extra.String != "" {
		msg.Extra = json.RawMessage(extra.String)
	}
	return &msg, nil
}

// InsertMessage stores msg. It fails with a ReferentialError when the target
// conversation does not exist; callers ensure the conversation first. An id
// that is already stored or tombstoned is a no-op and returns false.
func (s *CacheStore) InsertMessage(ctx context.Context, msg *Message) (bool, error) {
	if s.tombstones.Load().Has(msg.ID) {
		return false, nil
	}
	var inserted bool
	err := s.db.DoTxn(ctx, nil, func(ctx context.Context) (err error) {
		inserted, err = s.insertMessageTx(ctx, msg)
		return err
	})
	if err != nil {
		return false, err
	}
	if inserted {
		s.notify(msg.ConversationID)
	}
	return inserted, nil
}

// RecordMessage inserts msg, bumps unread and moves the conversation preview
// forward, all in one transaction. The conversation must already exist.
func (s *CacheStore) RecordMessage(ctx context.Context, msg *Message, countUnread bool) (bool, error) {
	return s.ApplyMessage(ctx, nil, msg, countUnread)
}

// ApplyMessage is the apply unit of work: it ensures conv (when non-nil) and
// records msg in the same transaction, so a concurrent repair can never
// remove the conversation between the two steps.
func (s *CacheStore) ApplyMessage(ctx context.Context, conv *Conversation, msg *Message, countUnread bool) (bool, error) {
	if s.tombstones.Load().Has(msg.ID) {
		return false, nil
	}
	if conv != nil && conv.ID != msg.ConversationID {
		return false, &ValidationError{Field: "conversation_id", Value: msg.ConversationID, Reason: "does not match " + conv.ID}
	}
	var created, inserted bool
	err := s.db.DoTxn(ctx, nil, func(ctx context.Context) (err error) {
		if conv != nil {
			if created, err = s.ensureConversationTx(ctx, conv); err != nil {
				return err
			}
		}
		inserted, err = s.insertMessageTx(ctx, msg)
		if err != nil || !inserted {
			return err
		}
		if countUnread {
			if _, err = s.db.Exec(ctx,
				`UPDATE conversation SET unread_count=unread_count+1 WHERE id=$1`, msg.ConversationID,
			); err != nil {
				return err
			}
		}
		_, err = s.updateActivityTx(ctx, msg.ConversationID, previewText(msg), msg.CreatedAt)
		return err
	})
	if err != nil {
		return false, err
	}
	if inserted || created {
		s.notify(msg.ConversationID)
	}
	return inserted, nil
}

func (s *CacheStore) insertMessageTx(ctx context.Context, msg *Message) (bool, error) {
	if msg.ID == "" {
		return false, &ValidationError{Field: "message_id", Value: msg.ID, Reason: "empty"}
	}
	var tombstoned, convExists int
	if err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM tombstone WHERE message_id=$1`, msg.ID,
	).Scan(&tombstoned); err != nil {
		return false, err
	}
	if tombstoned > 0 {
		return false, nil
	}
	if err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM conversation WHERE id=$1`, msg.ConversationID,
	).Scan(&convExists); err != nil {
		return false, err
	}
	if convExists == 0 {
		return false, &ReferentialError{MessageID: msg.ID, ConversationID: msg.ConversationID}
	}
	var extra any
	if len(msg.Extra) > 0 {
		extra = string(msg.Extra)
	}
	res, err := s.db.Exec(ctx, `
		INSERT INTO message (
			id, conversation_id, sender_id, receiver_id, content, type, created_at,
			delivery_status, recalled, extra, updated_ts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`, msg.ID, msg.ConversationID, msg.SenderID, msg.ReceiverID, msg.Content, string(msg.Type),
		msg.CreatedAt, msg.DeliveryStatus, msg.Recalled, extra, time.Now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to insert message %s: %w", msg.ID, err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (s *CacheStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	msg, err := scanMessage(s.db.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM message WHERE id=$1`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return msg, err
}

func (s *CacheStore) HasMessage(ctx context.Context, id string) (bool, error) {
	var count int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM message WHERE id=$1`, id).Scan(&count)
	return count > 0, err
}

// ListMessages returns the conversation's messages in createdAt order. Rows
// that are tombstoned are filtered even though deletion removes them.
func (s *CacheStore) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM message m
		WHERE m.conversation_id=$1
		  AND NOT EXISTS (SELECT 1 FROM tombstone t WHERE t.message_id=m.id)
		ORDER BY m.created_at, m.id
	`, conversationID)
}

// ListConversationMessages is ListMessages without the tombstone filter, for
// the repair pass.
func (s *CacheStore) ListConversationMessages(ctx context.Context, conversationID string) ([]Message, error) {
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM message WHERE conversation_id=$1 ORDER BY created_at, id
	`, conversationID)
}

// ListMessagesByStatus returns messages in the given delivery state, oldest
// first.
func (s *CacheStore) ListMessagesByStatus(ctx context.Context, status DeliveryStatus) ([]Message, error) {
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM message WHERE delivery_status=$1 ORDER BY created_at, id
	`, status)
}

func (s *CacheStore) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var msgs []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *msg)
	}
	return msgs, rows.Err()
}

func (s *CacheStore) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM message WHERE conversation_id=$1`, conversationID).Scan(&count)
	return count, err
}

// UpdateDeliveryStatus applies a status transition. Forward moves through
// sent, delivered and read always apply (a receipt also rescues a message
// that was marked failed). Failed only replaces pending, and pending only
// replaces failed (explicit resend). Returns whether the row changed.
func (s *CacheStore) UpdateDeliveryStatus(ctx context.Context, id string, status DeliveryStatus) (bool, error) {
	var convID string
	var changed bool
	err := s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		err := s.db.QueryRow(ctx, `SELECT conversation_id FROM message WHERE id=$1`, id).Scan(&convID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		} else if err != nil {
			return err
		}
		res, err := s.db.Exec(ctx, `
			UPDATE message SET delivery_status=$2, updated_ts=$3
			WHERE id=$1 AND (
				($2 = $4 AND delivery_status = $5)
				OR ($2 = $5 AND delivery_status = $4)
				OR ($2 IN ($6, $7, $8) AND (delivery_status < $2 OR delivery_status = $4))
			)
		`, id, status, time.Now().UnixMilli(), StatusFailed, StatusPending, StatusSent, StatusDelivered, StatusRead)
		if err != nil {
			return err
		}
		affected, _ := res.RowsAffected()
		changed = affected > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to update status of %s: %w", id, err)
	}
	if changed {
		s.notify(convID)
	}
	return changed, nil
}

// SetRecalled marks a message recalled and refreshes the conversation preview
// if it was the latest message.
func (s *CacheStore) SetRecalled(ctx context.Context, id string) (bool, error) {
	var convID string
	var changed bool
	err := s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		err := s.db.QueryRow(ctx, `SELECT conversation_id FROM message WHERE id=$1`, id).Scan(&convID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		} else if err != nil {
			return err
		}
		res, err := s.db.Exec(ctx,
			`UPDATE message SET recalled=TRUE, updated_ts=$2 WHERE id=$1 AND recalled=FALSE`,
			id, time.Now().UnixMilli(),
		)
		if err != nil {
			return err
		}
		affected, _ := res.RowsAffected()
		changed = affected > 0
		if !changed {
			return nil
		}
		return s.refreshPreviewTx(ctx, convID)
	})
	if err != nil {
		return false, fmt.Errorf("failed to recall %s: %w", id, err)
	}
	if changed {
		s.notify(convID)
	}
	return changed, nil
}

// refreshPreviewTx recomputes the conversation preview from its newest
// remaining message. A conversation left without messages keeps its
// lastMessageAt so list ordering does not jump.
func (s *CacheStore) refreshPreviewTx(ctx context.Context, conversationID string) error {
	latest, err := scanMessage(s.db.QueryRow(ctx, `
		SELECT `+messageColumns+` FROM message
		WHERE conversation_id=$1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, conversationID))
	nowMS := time.Now().UnixMilli()
	if errors.Is(err, sql.ErrNoRows) {
		_, err = s.db.Exec(ctx,
			`UPDATE conversation SET last_message_preview='', updated_ts=$2 WHERE id=$1`,
			conversationID, nowMS,
		)
		return err
	} else if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		UPDATE conversation SET last_message_preview=$2, last_message_at=$3, updated_ts=$4 WHERE id=$1
	`, conversationID, previewText(latest), latest.CreatedAt, nowMS)
	return err
}

// ============================================================================
// Tombstones
// ============================================================================

// Tombstone records ids as deleted. Tombstones are never removed except by
// Reset.
func (s *CacheStore) Tombstone(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		return s.tombstoneTx(ctx, ids...)
	})
	if err != nil {
		return fmt.Errorf("failed to tombstone messages: %w", err)
	}
	s.rememberTombstones(ids...)
	return nil
}

func (s *CacheStore) tombstoneTx(ctx context.Context, ids ...string) error {
	nowMS := time.Now().UnixMilli()
	for _, id := range ids {
		if _, err := s.db.Exec(ctx,
			`INSERT INTO tombstone (message_id, created_ts) VALUES ($1, $2) ON CONFLICT (message_id) DO NOTHING`,
			id, nowMS,
		); err != nil {
			return err
		}
	}
	return nil
}

// rememberTombstones updates the in-memory mirror. Only call it after the
// transaction that wrote the rows committed.
func (s *CacheStore) rememberTombstones(ids ...string) {
	set := s.tombstones.Load()
	for _, id := range ids {
		set.Add(id)
	}
}

func (s *CacheStore) IsTombstoned(ctx context.Context, id string) (bool, error) {
	if s.tombstones.Load().Has(id) {
		return true, nil
	}
	var count int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM tombstone WHERE message_id=$1`, id).Scan(&count)
	return count > 0, err
}

// TombstonedSet returns the subset of ids that are tombstoned.
func (s *CacheStore) TombstonedSet(ctx context.Context, ids []string) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	const chunkSize = 500
	for start := 0; start < len(ids); start += chunkSize {
		end := min(start+chunkSize, len(ids))
		chunk := ids[start:end]
		placeholders := make([]string, len(chunk))
		args := make([]any, len(chunk))
		for i, id := range chunk {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
			args[i] = id
		}
		rows, err := s.db.Query(ctx,
			`SELECT message_id FROM tombstone WHERE message_id IN (`+strings.Join(placeholders, ",")+`)`,
			args...,
		)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var id string
			if err = rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			out[id] = struct{}{}
		}
		rows.Close()
		if err = rows.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DeleteMessageLocal tombstones id and removes the message in one
// transaction. The tombstone is written even when the message is not stored
// locally so a lagging backfill page cannot bring it in later. Returns the
// conversation the message belonged to ("" if it was not stored).
func (s *CacheStore) DeleteMessageLocal(ctx context.Context, id string) (string, error) {
	var convID string
	err := s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		if err := s.tombstoneTx(ctx, id); err != nil {
			return err
		}
		err := s.db.QueryRow(ctx, `SELECT conversation_id FROM message WHERE id=$1`, id).Scan(&convID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		} else if err != nil {
			return err
		}
		if _, err = s.db.Exec(ctx, `DELETE FROM message WHERE id=$1`, id); err != nil {
			return err
		}
		return s.refreshPreviewTx(ctx, convID)
	})
	if err != nil {
		return "", fmt.Errorf("failed to delete message %s: %w", id, err)
	}
	s.rememberTombstones(id)
	if convID != "" {
		s.notify(convID)
	}
	return convID, nil
}

// ============================================================================
// Checkpoint
// ============================================================================

// GetCheckpoint returns the backfill checkpoint, or nil if no pull has ever
// completed.
func (s *CacheStore) GetCheckpoint(ctx context.Context) (*int64, error) {
	var value int64
	err := s.db.QueryRow(ctx, `SELECT value FROM sync_state WHERE key=$1`, checkpointKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return ptr.Ptr(value), nil
}

// AdvanceCheckpoint raises the checkpoint to ts. A lower ts is ignored, so the
// stored value never regresses. Returns the value after the update.
func (s *CacheStore) AdvanceCheckpoint(ctx context.Context, ts int64) (int64, error) {
	_, err := s.db.Exec(ctx, `
		INSERT INTO sync_state (key, value, updated_ts) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET
			value=CASE WHEN excluded.value > sync_state.value THEN excluded.value ELSE sync_state.value END,
			updated_ts=excluded.updated_ts
	`, checkpointKey, ts, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to advance checkpoint: %w", err)
	}
	current, err := s.GetCheckpoint(ctx)
	if err != nil {
		return 0, err
	}
	return ptr.Val(current), nil
}

// ============================================================================
// Group directory
// ============================================================================

func (s *CacheStore) PutGroup(ctx context.Context, group GroupRecord) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO group_directory (group_id, display_name, avatar_ref, updated_ts)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (group_id) DO UPDATE SET
			display_name=CASE WHEN excluded.display_name <> '' THEN excluded.display_name ELSE group_directory.display_name END,
			avatar_ref=CASE WHEN excluded.avatar_ref <> '' THEN excluded.avatar_ref ELSE group_directory.avatar_ref END,
			updated_ts=excluded.updated_ts
	`, group.ID, group.DisplayName, group.AvatarRef, time.Now().UnixMilli())
	return err
}

func (s *CacheStore) LookupGroup(ctx context.Context, groupID string) (*GroupRecord, error) {
	var group GroupRecord
	err := s.db.QueryRow(ctx,
		`SELECT group_id, display_name, avatar_ref FROM group_directory WHERE group_id=$1`, groupID,
	).Scan(&group.ID, &group.DisplayName, &group.AvatarRef)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &group, nil
}

// ============================================================================
// Pending remote deletes
// ============================================================================

func (s *CacheStore) QueueRemoteDelete(ctx context.Context, messageID, lastError string) error {
	nowMS := time.Now().UnixMilli()
	_, err := s.db.Exec(ctx, `
		INSERT INTO pending_remote_delete (message_id, attempts, last_error, created_ts, updated_ts)
		VALUES ($1, 1, $2, $3, $3)
		ON CONFLICT (message_id) DO UPDATE SET
			attempts=pending_remote_delete.attempts+1,
			last_error=excluded.last_error,
			updated_ts=excluded.updated_ts
	`, messageID, lastError, nowMS)
	return err
}

func (s *CacheStore) ListRemoteDeletes(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT message_id FROM pending_remote_delete ORDER BY created_ts, message_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *CacheStore) ClearRemoteDelete(ctx context.Context, messageID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM pending_remote_delete WHERE message_id=$1`, messageID)
	return err
}

// ============================================================================
// Repair primitives
// ============================================================================

// MigrateMessage moves a message into target, creating target if needed, and
// moves target's preview forward. One transaction per message, so an
// interrupted repair pass leaves every message attached to an existing
// conversation.
func (s *CacheStore) MigrateMessage(ctx context.Context, messageID string, target *Conversation) (from string, err error) {
	err = s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		msg, err := scanMessage(s.db.QueryRow(ctx,
			`SELECT `+messageColumns+` FROM message WHERE id=$1`, messageID,
		))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		} else if err != nil {
			return err
		}
		from = msg.ConversationID
		if from == target.ID {
			return nil
		}
		if _, err = s.ensureConversationTx(ctx, target); err != nil {
			return err
		}
		if _, err = s.db.Exec(ctx,
			`UPDATE message SET conversation_id=$2, updated_ts=$3 WHERE id=$1`,
			messageID, target.ID, time.Now().UnixMilli(),
		); err != nil {
			return err
		}
		msg.ConversationID = target.ID
		_, err = s.updateActivityTx(ctx, target.ID, previewText(msg), msg.CreatedAt)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to migrate message %s to %s: %w", messageID, target.ID, err)
	}
	if from != "" && from != target.ID {
		s.notify(from, target.ID)
	}
	return from, nil
}

// DeleteConversationIfEmpty removes the conversation only when no message
// references it.
func (s *CacheStore) DeleteConversationIfEmpty(ctx context.Context, id string) (bool, error) {
	res, err := s.db.Exec(ctx, `
		DELETE FROM conversation
		WHERE id=$1 AND NOT EXISTS (SELECT 1 FROM message WHERE conversation_id=$1)
	`, id)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	if affected > 0 {
		s.notify(id)
	}
	return affected > 0, nil
}

// DeleteConversationIfStale removes the conversation together with its
// messages, but only if it has no activity after notAfter and holds no
// pending or failed sends. The checks and the delete share one transaction.
// Used for conversations the server no longer lists.
func (s *CacheStore) DeleteConversationIfStale(ctx context.Context, id string, notAfter int64) (deleted bool, removed int64, err error) {
	err = s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		res, err := s.db.Exec(ctx, `
			DELETE FROM conversation
			WHERE id=$1 AND last_message_at <= $2
			  AND NOT EXISTS (
				SELECT 1 FROM message WHERE conversation_id=$1 AND delivery_status IN ($3, $4)
			  )
		`, id, notAfter, StatusPending, StatusFailed)
		if err != nil {
			return err
		}
		affected, _ := res.RowsAffected()
		if deleted = affected > 0; !deleted {
			return nil
		}
		res, err = s.db.Exec(ctx, `DELETE FROM message WHERE conversation_id=$1`, id)
		if err != nil {
			return err
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return false, 0, fmt.Errorf("failed to delete conversation %s: %w", id, err)
	}
	if deleted {
		s.notify(id)
	}
	return deleted, removed, nil
}

// DeleteOrphanedMessages removes messages whose conversation row is gone.
// Only databases written before the referential check can contain them.
func (s *CacheStore) DeleteOrphanedMessages(ctx context.Context) (int64, error) {
	res, err := s.db.Exec(ctx, `
		DELETE FROM message
		WHERE conversation_id NOT IN (SELECT id FROM conversation)
	`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ReclassifyGroup turns a conversation into a group whose counterpart is
// itself.
func (s *CacheStore) ReclassifyGroup(ctx context.Context, id string, group *GroupRecord) (bool, error) {
	var displayName, avatarRef string
	if group != nil {
		displayName, avatarRef = group.DisplayName, group.AvatarRef
	}
	res, err := s.db.Exec(ctx, `
		UPDATE conversation SET
			kind=$2,
			counterpart_id=id,
			provisional=FALSE,
			display_name=CASE WHEN $3 <> '' THEN $3 ELSE display_name END,
			avatar_ref=CASE WHEN $4 <> '' THEN $4 ELSE avatar_ref END,
			updated_ts=$5
		WHERE id=$1 AND (kind<>$2 OR counterpart_id<>id OR provisional)
	`, id, KindGroup.String(), displayName, avatarRef, time.Now().UnixMilli())
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	if affected > 0 {
		s.notify(id)
	}
	return affected > 0, nil
}

// ResolveSingle clears the provisional flag and corrects the counterpart of a
// single conversation whose id already has canonical shape.
func (s *CacheStore) ResolveSingle(ctx context.Context, id, counterpartID string) (bool, error) {
	res, err := s.db.Exec(ctx, `
		UPDATE conversation SET counterpart_id=$2, provisional=FALSE, updated_ts=$3
		WHERE id=$1 AND kind=$4 AND (counterpart_id<>$2 OR provisional)
	`, id, counterpartID, time.Now().UnixMilli(), KindSingle.String())
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	if affected > 0 {
		s.notify(id)
	}
	return affected > 0, nil
}

// Reset wipes every table. Used on logout and account switch; tombstones go
// too since nothing they protect survives.
func (s *CacheStore) Reset(ctx context.Context) error {
	err := s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		for _, table := range []string{"message", "conversation", "tombstone", "sync_state", "group_directory", "pending_remote_delete"} {
			if _, err := s.db.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, table)); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.tombstones.Store(exsync.NewSet[string]())
	s.notifyAll()
	return nil
}

func nullableBool(value *bool) any {
	if value == nil {
		return nil
	}
	return *value
}
