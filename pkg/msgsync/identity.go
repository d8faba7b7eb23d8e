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
	"errors"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// SingleIDSeparator joins the two participants of a one-to-one conversation.
// User ids must never contain it, which is what lets an id be recognized as a
// single-chat id without a lookup.
const SingleIDSeparator = "_"

// DeriveSingleID returns the canonical id of the one-to-one conversation
// between a and b. The result does not depend on argument order.
func DeriveSingleID(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return strings.Join(pair, SingleIDSeparator)
}

// IsSingleID reports whether id has the shape of a derived single-chat id.
func IsSingleID(id string) bool {
	return strings.Contains(id, SingleIDSeparator)
}

func ValidateUserID(id string) error {
	switch {
	case id == "":
		return &ValidationError{Field: "user_id", Value: id, Reason: "empty"}
	case strings.TrimSpace(id) != id:
		return &ValidationError{Field: "user_id", Value: id, Reason: "surrounding whitespace"}
	case strings.Contains(id, SingleIDSeparator):
		return &ValidationError{Field: "user_id", Value: id, Reason: "contains the single-chat separator"}
	}
	return nil
}

// GroupLookup is the remote group directory.
type GroupLookup interface {
	GetGroupInfo(ctx context.Context, groupID string) (GroupRecord, error)
}

type groupDirectory interface {
	LookupGroup(ctx context.Context, groupID string) (*GroupRecord, error)
	PutGroup(ctx context.Context, group GroupRecord) error
}

// ConversationIdentity is the canonical identity of the conversation a
// message belongs to.
type ConversationIdentity struct {
	ID            string
	Kind          ConversationKind
	CounterpartID string
	// Provisional means the group probe was unanswered and the kind was
	// defaulted to single. The stored id is the one the sender used.
	Provisional bool
}

// IdentityResolver classifies conversation ids and derives canonical ones.
type IdentityResolver struct {
	selfID string
	dir    groupDirectory
	remote GroupLookup
	log    zerolog.Logger

	lookups singleflight.Group
}

func NewIdentityResolver(selfID string, dir groupDirectory, remote GroupLookup, log zerolog.Logger) *IdentityResolver {
	return &IdentityResolver{
		selfID: selfID,
		dir:    dir,
		remote: remote,
		log:    log.With().Str("component", "identity").Logger(),
	}
}

func (r *IdentityResolver) SelfID() string {
	return r.selfID
}

// Classify decides whether id names a single or a group conversation.
//
// Ids containing the separator are single chats. Opaque ids are probed against
// the local group directory first and then the remote group lookup. A remote
// 404 resolves the id as single. Any other lookup failure leaves it
// unresolved: the caller gets KindSingle with resolved=false and the repair
// pass revisits it later.
func (r *IdentityResolver) Classify(ctx context.Context, id string) (kind ConversationKind, resolved bool) {
	if IsSingleID(id) {
		return KindSingle, true
	}
	if r.dir != nil {
		group, err := r.dir.LookupGroup(ctx, id)
		if err != nil {
			r.log.Warn().Err(err).Str("conversation_id", id).Msg("Failed to read local group directory")
		} else if group != nil {
			return KindGroup, true
		}
	}
	group, err := r.lookupRemote(ctx, id)
	switch {
	case err == nil:
		if r.dir != nil {
			if err = r.dir.PutGroup(ctx, group); err != nil {
				r.log.Warn().Err(err).Str("group_id", id).Msg("Failed to record group in local directory")
			}
		}
		return KindGroup, true
	case errors.Is(err, ErrNotFound):
		return KindSingle, true
	default:
		r.log.Debug().Err(err).Str("conversation_id", id).
			Msg("Group lookup unavailable, defaulting to single (provisional)")
		return KindSingle, false
	}
}

// ProbeGroup asks the remote directory directly, bypassing the local cache.
// The repair pass uses it to settle provisional conversations.
func (r *IdentityResolver) ProbeGroup(ctx context.Context, id string) (*GroupRecord, error) {
	group, err := r.lookupRemote(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.dir != nil {
		if err = r.dir.PutGroup(ctx, group); err != nil {
			r.log.Warn().Err(err).Str("group_id", id).Msg("Failed to record group in local directory")
		}
	}
	return &group, nil
}

func (r *IdentityResolver) lookupRemote(ctx context.Context, id string) (GroupRecord, error) {
	if r.remote == nil {
		return GroupRecord{}, &TransportError{Op: "group lookup", Err: errors.New("no remote configured")}
	}
	val, err, _ := r.lookups.Do(id, func() (any, error) {
		return r.remote.GetGroupInfo(ctx, id)
	})
	if err != nil {
		return GroupRecord{}, err
	}
	group := val.(GroupRecord)
	if group.ID == "" {
		group.ID = id
	}
	return group, nil
}

// Canonicalize resolves the canonical identity for a message exchanged between
// sender and receiver under the conversation id the sender used.
func (r *IdentityResolver) Canonicalize(ctx context.Context, conversationID, senderID, receiverID string) (ConversationIdentity, error) {
	if err := ValidateUserID(senderID); err != nil {
		return ConversationIdentity{}, err
	}
	if receiverID == "" {
		return ConversationIdentity{}, &ValidationError{Field: "receiver_id", Value: receiverID, Reason: "empty"}
	}
	if senderID == receiverID {
		return ConversationIdentity{}, &ValidationError{Field: "receiver_id", Value: receiverID, Reason: "self-addressed message"}
	}
	if conversationID == "" || IsSingleID(conversationID) {
		return r.singleIdentity(senderID, receiverID)
	}
	kind, resolved := r.Classify(ctx, conversationID)
	if kind == KindGroup {
		return ConversationIdentity{ID: conversationID, Kind: KindGroup, CounterpartID: conversationID}, nil
	}
	if resolved {
		return r.singleIdentity(senderID, receiverID)
	}
	return ConversationIdentity{
		ID:            conversationID,
		Kind:          KindSingle,
		CounterpartID: r.counterpart(senderID, receiverID),
		Provisional:   true,
	}, nil
}

// CanonicalSingleID derives the canonical single-chat id for a stored message,
// or "" when the participants cannot form one.
func CanonicalSingleID(senderID, receiverID string) string {
	if ValidateUserID(senderID) != nil || ValidateUserID(receiverID) != nil || senderID == receiverID {
		return ""
	}
	return DeriveSingleID(senderID, receiverID)
}

// CounterpartFromSingleID returns the non-self half of a derived single-chat
// id, or "" when self is not one of its participants.
func (r *IdentityResolver) CounterpartFromSingleID(id string) string {
	a, b, ok := strings.Cut(id, SingleIDSeparator)
	if !ok || strings.Contains(b, SingleIDSeparator) {
		return ""
	}
	switch r.selfID {
	case a:
		return b
	case b:
		return a
	}
	return ""
}

func (r *IdentityResolver) singleIdentity(senderID, receiverID string) (ConversationIdentity, error) {
	if err := ValidateUserID(receiverID); err != nil {
		return ConversationIdentity{}, err
	}
	return ConversationIdentity{
		ID:            DeriveSingleID(senderID, receiverID),
		Kind:          KindSingle,
		CounterpartID: r.counterpart(senderID, receiverID),
	}, nil
}

func (r *IdentityResolver) counterpart(senderID, receiverID string) string {
	if senderID == r.selfID {
		return receiverID
	}
	return senderID
}
