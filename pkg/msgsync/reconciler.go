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

	"github.com/rs/zerolog"
)

// RepairReport counts what one repair or prune pass changed.
type RepairReport struct {
	Scanned              int
	MessagesMigrated     int
	Reclassified         int
	Corrected            int
	ConversationsRemoved int
	OrphansRemoved       int64
	Pruned               int
	Skipped              int
	Failed               int
}

func (r *RepairReport) add(other RepairReport) {
	r.Scanned += other.Scanned
	r.MessagesMigrated += other.MessagesMigrated
	r.Reclassified += other.Reclassified
	r.Corrected += other.Corrected
	r.ConversationsRemoved += other.ConversationsRemoved
	r.OrphansRemoved += other.OrphansRemoved
	r.Pruned += other.Pruned
	r.Skipped += other.Skipped
	r.Failed += other.Failed
}

func (r RepairReport) Changed() bool {
	return r.MessagesMigrated > 0 || r.Reclassified > 0 || r.Corrected > 0 ||
		r.ConversationsRemoved > 0 || r.OrphansRemoved > 0 || r.Pruned > 0
}

// Reconciler fixes conversations that were stored under a wrong identity and
// removes conversations the server no longer lists. Every pass is safe to
// repeat and to interrupt: each record is repaired in its own transaction and
// failures are logged and skipped.
type Reconciler struct {
	store    *CacheStore
	identity *IdentityResolver
	locks    *keyedMutex
	log      zerolog.Logger
}

func NewReconciler(store *CacheStore, identity *IdentityResolver, locks *keyedMutex, log zerolog.Logger) *Reconciler {
	if locks == nil {
		locks = newKeyedMutex()
	}
	return &Reconciler{
		store:    store,
		identity: identity,
		locks:    locks,
		log:      log.With().Str("component", "repair").Logger(),
	}
}

// Repair runs one pass over every local conversation.
func (r *Reconciler) Repair(ctx context.Context) (RepairReport, error) {
	var report RepairReport
	convs, err := r.store.ListConversations(ctx)
	if err != nil {
		return report, err
	}
	for i := range convs {
		if err = ctx.Err(); err != nil {
			return report, err
		}
		conv := &convs[i]
		report.Scanned++
		log := r.log.With().Str("conversation_id", conv.ID).Logger()
		switch conv.Kind {
		case KindGroup:
			report.add(r.repairGroup(ctx, log, conv))
		default:
			report.add(r.repairSingle(ctx, log, conv))
		}
	}

	if orphans, err := r.store.DeleteOrphanedMessages(ctx); err != nil {
		r.log.Warn().Err(err).Msg("Failed to delete orphaned messages")
	} else if orphans > 0 {
		report.OrphansRemoved = orphans
		r.log.Info().Int64("deleted", orphans).Msg("Deleted messages without a conversation")
	}

	evt := r.log.Debug()
	if report.Changed() {
		evt = r.log.Info()
	}
	evt.
		Int("scanned", report.Scanned).
		Int("migrated", report.MessagesMigrated).
		Int("reclassified", report.Reclassified).
		Int("corrected", report.Corrected).
		Int("removed", report.ConversationsRemoved).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Msg("Repair pass finished")
	return report, nil
}

func (r *Reconciler) repairGroup(ctx context.Context, log zerolog.Logger, conv *Conversation) (report RepairReport) {
	if conv.CounterpartID == conv.ID && !conv.Provisional {
		return
	}
	unlock := r.locks.Lock(conv.ID)
	defer unlock()
	changed, err := r.store.ReclassifyGroup(ctx, conv.ID, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to correct group counterpart")
		report.Failed++
	} else if changed {
		log.Debug().Str("old_counterpart", conv.CounterpartID).Msg("Corrected group counterpart")
		report.Corrected++
	}
	return
}

func (r *Reconciler) repairSingle(ctx context.Context, log zerolog.Logger, conv *Conversation) (report RepairReport) {
	if !IsSingleID(conv.ID) {
		// Opaque id stored as a single chat: either a group whose probe
		// failed earlier, or a chat filed under a raw user id.
		group, err := r.identity.ProbeGroup(ctx, conv.ID)
		switch {
		case err == nil:
			unlock := r.locks.Lock(conv.ID)
			changed, err := r.store.ReclassifyGroup(ctx, conv.ID, group)
			unlock()
			if err != nil {
				log.Warn().Err(err).Msg("Failed to reclassify conversation as group")
				report.Failed++
			} else if changed {
				log.Info().Msg("Reclassified conversation as group")
				report.Reclassified++
			}
			return
		case errors.Is(err, ErrNotFound):
			// Not a group; fall through to per-message migration.
		default:
			log.Debug().Err(err).Msg("Group probe failed, retrying on next pass")
			report.Skipped++
			return
		}
	}

	report.add(r.migrateMessages(ctx, log, conv))

	if !IsSingleID(conv.ID) {
		unlock := r.locks.Lock(conv.ID)
		removed, err := r.store.DeleteConversationIfEmpty(ctx, conv.ID)
		unlock()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to delete stale conversation")
			report.Failed++
		} else if removed {
			log.Info().Msg("Deleted stale conversation after migrating its messages")
			report.ConversationsRemoved++
		}
		return
	}
	if report.MessagesMigrated > 0 {
		unlock := r.locks.Lock(conv.ID)
		removed, err := r.store.DeleteConversationIfEmpty(ctx, conv.ID)
		unlock()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to delete stale conversation")
			report.Failed++
		} else if removed {
			report.ConversationsRemoved++
			return
		}
	}
	if counterpart := r.identity.CounterpartFromSingleID(conv.ID); counterpart != "" &&
		(counterpart != conv.CounterpartID || conv.Provisional) {
		unlock := r.locks.Lock(conv.ID)
		changed, err := r.store.ResolveSingle(ctx, conv.ID, counterpart)
		unlock()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to correct single-chat counterpart")
			report.Failed++
		} else if changed {
			report.Corrected++
		}
	}
	return
}

// migrateMessages moves every message whose participants derive a different
// canonical id into that conversation.
func (r *Reconciler) migrateMessages(ctx context.Context, log zerolog.Logger, conv *Conversation) (report RepairReport) {
	msgs, err := r.store.ListConversationMessages(ctx, conv.ID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list messages for repair")
		report.Failed++
		return
	}
	for _, msg := range msgs {
		canonical := CanonicalSingleID(msg.SenderID, msg.ReceiverID)
		if canonical == "" {
			log.Debug().Str("message_id", msg.ID).Msg("Message participants cannot form a single-chat id, leaving in place")
			report.Skipped++
			continue
		} else if canonical == conv.ID {
			continue
		}
		target := &Conversation{
			ID:            canonical,
			Kind:          KindSingle,
			CounterpartID: r.identity.counterpart(msg.SenderID, msg.ReceiverID),
		}
		unlock := r.locks.LockMany(conv.ID, canonical)
		_, err = r.store.MigrateMessage(ctx, msg.ID, target)
		unlock()
		if err != nil {
			log.Warn().Err(err).Str("message_id", msg.ID).Str("target", canonical).Msg("Failed to migrate message")
			report.Failed++
			continue
		}
		log.Debug().Str("message_id", msg.ID).Str("target", canonical).Msg("Migrated message to canonical conversation")
		report.MessagesMigrated++
	}
	return
}

// Prune deletes local conversations the authoritative listing does not
// contain. A partial listing is ignored entirely. Conversations holding
// unacknowledged sends or activity newer than the listing are kept; that
// check runs under the conversation lock in the same transaction as the
// delete.
func (r *Reconciler) Prune(ctx context.Context, listing ConversationListing) (RepairReport, error) {
	var report RepairReport
	if !listing.Complete {
		r.log.Debug().Int("listed", len(listing.Conversations)).Msg("Skipping prune, conversation listing is incomplete")
		return report, nil
	}
	listed := make(map[string]struct{}, len(listing.Conversations))
	for _, conv := range listing.Conversations {
		listed[conv.ID] = struct{}{}
	}
	convs, err := r.store.ListConversations(ctx)
	if err != nil {
		return report, err
	}
	for _, conv := range convs {
		if err = ctx.Err(); err != nil {
			return report, err
		}
		report.Scanned++
		if _, ok := listed[conv.ID]; ok {
			continue
		}
		log := r.log.With().Str("conversation_id", conv.ID).Logger()
		unlock := r.locks.Lock(conv.ID)
		deleted, removed, err := r.store.DeleteConversationIfStale(ctx, conv.ID, listing.FetchedAt)
		unlock()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to prune conversation")
			report.Failed++
			continue
		} else if !deleted {
			log.Debug().Msg("Not pruning conversation with unsynced messages or activity newer than the listing")
			report.Skipped++
			continue
		}
		log.Info().Int64("messages", removed).Msg("Pruned conversation missing from remote listing")
		report.Pruned++
	}
	return report, nil
}
