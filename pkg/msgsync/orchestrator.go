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
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateBackfilling
	StateLoggedOut
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackfilling:
		return "backfilling"
	case StateLoggedOut:
		return "logged_out"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type ApplyResult int

const (
	ApplyInserted ApplyResult = iota
	ApplyDuplicate
	ApplyTombstoned
)

func (r ApplyResult) String() string {
	switch r {
	case ApplyInserted:
		return "inserted"
	case ApplyDuplicate:
		return "duplicate"
	case ApplyTombstoned:
		return "tombstoned"
	default:
		return fmt.Sprintf("apply(%d)", int(r))
	}
}

// BatchResult summarizes one ApplyBatch call.
type BatchResult struct {
	Applied    int
	Duplicates int
	Tombstoned int
	Invalid    int
	Failed     int
	// Checkpoint is the stored checkpoint after the batch, nil if none was
	// ever recorded.
	Checkpoint *int64
}

type SendRequest struct {
	// ConversationID is optional; it defaults to ReceiverID, which is then
	// classified as a group or a peer.
	ConversationID string
	ReceiverID     string
	Content        string
	Type           MessageType
	Extra          json.RawMessage
}

type OrchestratorOptions struct {
	SelfID string

	// Credential is the bearer token for the delivery channel. Start can
	// replace it.
	Credential string

	Backoff          BackoffPolicy
	RepairInterval   time.Duration
	BackfillMaxPages int
	PruneOnSync      bool

	// Now defaults to time.Now.
	Now func() time.Time
}

// Orchestrator owns the sync lifecycle: the delivery channel connection,
// applying inbound and backfilled messages, sends, deletes and repair.
type Orchestrator struct {
	store      *CacheStore
	remote     RemoteService
	channel    DeliveryChannel
	identity   *IdentityResolver
	fetcher    *Fetcher
	reconciler *Reconciler
	locks      *keyedMutex
	hub        *observeHub
	opts       OrchestratorOptions
	log        zerolog.Logger

	stateLock sync.RWMutex
	state     State

	runLock sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group

	connectLock     sync.Mutex
	credential      string
	reconnectSignal chan struct{}
	syncSignal      chan struct{}
	repairPending   atomic.Bool
}

func NewOrchestrator(store *CacheStore, remote RemoteService, channel DeliveryChannel, opts OrchestratorOptions, log zerolog.Logger) *Orchestrator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Backoff.MaxAttempts <= 0 {
		opts.Backoff = DefaultBackoffPolicy()
	}
	var lookup GroupLookup
	if remote != nil {
		lookup = remote
	}
	locks := newKeyedMutex()
	identity := NewIdentityResolver(opts.SelfID, store, lookup, log)
	o := &Orchestrator{
		store:           store,
		remote:          remote,
		channel:         channel,
		identity:        identity,
		reconciler:      NewReconciler(store, identity, locks, log),
		locks:           locks,
		hub:             newObserveHub(store, log),
		opts:            opts,
		log:             log.With().Str("component", "orchestrator").Logger(),
		credential:      opts.Credential,
		reconnectSignal: make(chan struct{}, 1),
		syncSignal:      make(chan struct{}, 1),
	}
	if remote != nil {
		o.fetcher = NewFetcher(remote, opts.BackfillMaxPages, log)
	}
	return o
}

func (o *Orchestrator) Store() *CacheStore {
	return o.store
}

func (o *Orchestrator) Identity() *IdentityResolver {
	return o.identity
}

func (o *Orchestrator) State() State {
	o.stateLock.RLock()
	defer o.stateLock.RUnlock()
	return o.state
}

func (o *Orchestrator) setState(state State) {
	o.stateLock.Lock()
	prev := o.state
	o.state = state
	o.stateLock.Unlock()
	if prev != state {
		o.log.Debug().Stringer("from", prev).Stringer("to", state).Msg("Sync state changed")
	}
}

// swapState moves from one state to another only if the current state is
// still from.
func (o *Orchestrator) swapState(from, to State) bool {
	o.stateLock.Lock()
	defer o.stateLock.Unlock()
	if o.state != from {
		return false
	}
	o.state = to
	return true
}

func (o *Orchestrator) nowMS() int64 {
	return o.opts.Now().UnixMilli()
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start connects the delivery channel and launches the background tasks. A
// failed initial connect is not fatal: the cache stays usable offline and the
// connection supervisor keeps retrying.
func (o *Orchestrator) Start(ctx context.Context, credential string) error {
	o.runLock.Lock()
	defer o.runLock.Unlock()
	if o.cancel != nil {
		return errors.New("orchestrator already running")
	}
	if o.opts.SelfID == "" {
		return &ValidationError{Field: "self_id", Value: "", Reason: "empty"}
	}
	if credential != "" {
		o.connectLock.Lock()
		o.credential = credential
		o.connectLock.Unlock()
	}
	o.drainStaleEvents()
	o.failInterruptedSends(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	o.cancel = cancel
	o.group = group
	o.setState(StateDisconnected)

	if err := o.connect(groupCtx); err != nil {
		if ctx.Err() != nil {
			cancel()
			o.cancel, o.group = nil, nil
			return ctx.Err()
		}
		o.log.Warn().Err(err).Msg("Initial connect failed, continuing offline")
		o.requestReconnect()
	}

	group.Go(func() error { return o.consumeEvents(groupCtx) })
	group.Go(func() error { return o.superviseConnection(groupCtx) })
	group.Go(func() error { return o.runSyncLoop(groupCtx) })
	o.log.Info().Str("self_id", o.opts.SelfID).Msg("Sync orchestrator started")
	return nil
}

// Stop cancels the background tasks, disconnects and waits for the tasks to
// exit.
func (o *Orchestrator) Stop() {
	o.runLock.Lock()
	defer o.runLock.Unlock()
	if o.cancel == nil {
		return
	}
	o.cancel()
	if err := o.channel.Disconnect(); err != nil {
		o.log.Debug().Err(err).Msg("Error while disconnecting delivery channel")
	}
	if err := o.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		o.log.Warn().Err(err).Msg("Background task exited with error")
	}
	o.cancel, o.group = nil, nil
	if o.State() != StateLoggedOut {
		o.setState(StateDisconnected)
	}
	o.log.Info().Msg("Sync orchestrator stopped")
}

// Logout stops syncing and wipes every piece of local state.
func (o *Orchestrator) Logout(ctx context.Context) error {
	o.Stop()
	o.setState(StateLoggedOut)
	err := o.store.Reset(ctx)
	o.setState(StateDisconnected)
	if err != nil {
		return fmt.Errorf("failed to wipe local state: %w", err)
	}
	o.log.Info().Msg("Logged out, local state wiped")
	return nil
}

// failInterruptedSends marks messages a previous process left pending as
// failed. Their transport outcome is unknown, so the user decides whether to
// resend.
func (o *Orchestrator) failInterruptedSends(ctx context.Context) {
	pending, err := o.store.ListMessagesByStatus(ctx, StatusPending)
	if err != nil {
		o.log.Warn().Err(err).Msg("Failed to list interrupted sends")
		return
	}
	for _, msg := range pending {
		if _, err = o.store.UpdateDeliveryStatus(ctx, msg.ID, StatusFailed); err != nil {
			o.log.Warn().Err(err).Str("message_id", msg.ID).Msg("Failed to mark interrupted send as failed")
		}
	}
	if len(pending) > 0 {
		o.log.Info().Int("count", len(pending)).Msg("Marked interrupted sends as failed")
	}
}

// drainStaleEvents drops events left over from a previous run. Anything they
// carried is picked up again by the backfill that follows the connect.
func (o *Orchestrator) drainStaleEvents() {
	events := o.channel.Events()
	for {
		select {
		case <-events:
		default:
			return
		}
	}
}

func (o *Orchestrator) requestReconnect() {
	select {
	case o.reconnectSignal <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) requestSync(withRepair bool) {
	if withRepair {
		o.repairPending.Store(true)
	}
	select {
	case o.syncSignal <- struct{}{}:
	default:
	}
}

// TriggerSync asks the sync loop for an immediate backfill and repair pass.
func (o *Orchestrator) TriggerSync() {
	o.requestSync(true)
}

func (o *Orchestrator) markDisconnected() {
	o.stateLock.Lock()
	defer o.stateLock.Unlock()
	if o.state != StateLoggedOut {
		o.state = StateDisconnected
	}
}

// connect dials the channel with backoff unless it is already up. Every
// successful connect schedules a backfill.
func (o *Orchestrator) connect(ctx context.Context) error {
	o.connectLock.Lock()
	defer o.connectLock.Unlock()
	switch o.State() {
	case StateConnected, StateBackfilling:
		return nil
	case StateLoggedOut:
		return errors.New("logged out")
	}
	o.setState(StateConnecting)
	err := o.opts.Backoff.Retry(ctx, func(attempt int) error {
		err := o.channel.Connect(ctx, o.credential)
		if err != nil {
			o.log.Debug().Err(err).Int("attempt", attempt).Msg("Delivery channel connect failed")
		}
		return err
	})
	if err != nil {
		o.markDisconnected()
		return fmt.Errorf("failed to connect delivery channel: %w", err)
	}
	o.swapState(StateConnecting, StateConnected)
	o.log.Info().Msg("Delivery channel connected")
	o.requestSync(false)
	return nil
}

func (o *Orchestrator) superviseConnection(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-o.reconnectSignal:
		}
		if err := o.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			retryIn := o.opts.Backoff.MaxDelay
			o.log.Warn().Err(err).Dur("retry_in", retryIn).Msg("Reconnect budget exhausted")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(retryIn):
				o.requestReconnect()
			}
		}
	}
}

func (o *Orchestrator) consumeEvents(ctx context.Context) error {
	events := o.channel.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			o.handleEvent(ctx, evt)
		}
	}
}

func (o *Orchestrator) handleEvent(ctx context.Context, evt ChannelEvent) {
	switch evt.Kind {
	case EventMessage:
		result, err := o.ApplyIncoming(ctx, *evt.Message)
		if err != nil {
			o.log.Warn().Err(err).Str("message_id", evt.Message.ID).Msg("Failed to apply inbound message")
		} else {
			o.log.Trace().Str("message_id", evt.Message.ID).Stringer("result", result).Msg("Applied inbound message")
		}
	case EventReceipt:
		if _, err := o.store.UpdateDeliveryStatus(ctx, evt.MessageID, evt.Status); err != nil {
			o.log.Warn().Err(err).Str("message_id", evt.MessageID).Msg("Failed to apply receipt")
		}
	case EventRecall:
		if _, err := o.store.SetRecalled(ctx, evt.MessageID); err != nil {
			o.log.Warn().Err(err).Str("message_id", evt.MessageID).Msg("Failed to apply recall")
		}
	case EventConnected:
		// connect already moved the state.
	case EventDisconnected:
		if o.channel.Connected() {
			// Stale: a reconnect already replaced the session this was about.
			o.log.Debug().AnErr("cause", evt.Err).Msg("Ignoring disconnect of a replaced session")
			return
		}
		o.log.Info().AnErr("cause", evt.Err).Msg("Delivery channel disconnected")
		o.markDisconnected()
		o.requestReconnect()
	}
}

func (o *Orchestrator) runSyncLoop(ctx context.Context) error {
	var tick <-chan time.Time
	if o.opts.RepairInterval > 0 {
		ticker := time.NewTicker(o.opts.RepairInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-o.syncSignal:
		case <-tick:
			o.repairPending.Store(true)
		}
		o.syncOnce(ctx, o.repairPending.Swap(false))
	}
}

// syncOnce runs one backfill, flushes queued remote deletes and optionally
// repairs. Each step is best effort.
func (o *Orchestrator) syncOnce(ctx context.Context, withRepair bool) {
	if _, err := o.Backfill(ctx); err != nil && ctx.Err() == nil {
		o.log.Warn().Err(err).Msg("Backfill failed")
	}
	o.flushRemoteDeletes(ctx)
	if !withRepair || ctx.Err() != nil {
		return
	}
	if _, err := o.Repair(ctx, o.opts.PruneOnSync); err != nil && ctx.Err() == nil {
		o.log.Warn().Err(err).Msg("Repair pass failed")
	}
}

// ============================================================================
// Apply path
// ============================================================================

// ApplyIncoming stores one message from the channel or a backfill page. It is
// idempotent: redelivered ids and tombstoned ids are dropped.
func (o *Orchestrator) ApplyIncoming(ctx context.Context, record MessageRecord) (ApplyResult, error) {
	if record.ID == "" {
		return 0, &ValidationError{Field: "message_id", Value: "", Reason: "empty"}
	}
	if tombstoned, err := o.store.IsTombstoned(ctx, record.ID); err != nil {
		return 0, err
	} else if tombstoned {
		return ApplyTombstoned, nil
	}
	if exists, err := o.store.HasMessage(ctx, record.ID); err != nil {
		return 0, err
	} else if exists {
		return ApplyDuplicate, nil
	}
	msgType, err := ParseMessageType(record.Type)
	if err != nil {
		return 0, err
	}
	var status DeliveryStatus
	if err = status.UnmarshalText([]byte(record.Status)); err != nil {
		return 0, err
	}
	if status == StatusPending || status == StatusFailed {
		// The server holds it, so from our side it was sent.
		status = StatusSent
	}

	ident, err := o.identity.Canonicalize(ctx, record.ConversationID, record.SenderID, record.ReceiverID)
	if err != nil {
		return 0, err
	}

	unlock := o.locks.Lock(ident.ID)
	defer unlock()
	self := o.opts.SelfID
	msg := &Message{
		ID:             record.ID,
		ConversationID: ident.ID,
		SenderID:       record.SenderID,
		ReceiverID:     record.ReceiverID,
		Content:        record.Content,
		Type:           msgType,
		CreatedAt:      record.CreatedAt,
		DeliveryStatus: status,
		Recalled:       record.Recalled,
		Extra:          record.Extra,
	}
	countUnread := record.SenderID != self && (ident.Kind == KindGroup || record.ReceiverID == self)
	inserted, err := o.store.ApplyMessage(ctx, o.conversationFor(ctx, ident), msg, countUnread)
	if err != nil {
		return 0, err
	} else if !inserted {
		return ApplyDuplicate, nil
	}
	return ApplyInserted, nil
}

func (o *Orchestrator) ensureConversation(ctx context.Context, ident ConversationIdentity) (bool, error) {
	return o.store.EnsureConversation(ctx, o.conversationFor(ctx, ident))
}

// conversationFor builds the row that is created when ident has no
// conversation yet.
func (o *Orchestrator) conversationFor(ctx context.Context, ident ConversationIdentity) *Conversation {
	conv := &Conversation{
		ID:            ident.ID,
		Kind:          ident.Kind,
		CounterpartID: ident.CounterpartID,
		Provisional:   ident.Provisional,
	}
	if ident.Kind == KindGroup {
		if group, err := o.store.LookupGroup(ctx, ident.ID); err == nil && group != nil {
			conv.DisplayName = group.DisplayName
			conv.AvatarRef = group.AvatarRef
		}
	}
	return conv
}

// ApplyBatch applies records in (createdAt, id) order and advances the
// checkpoint over the leading run of records that were applied or
// permanently rejected. A storage failure stops the run there so the failed
// record is fetched again next time.
func (o *Orchestrator) ApplyBatch(ctx context.Context, records []MessageRecord) (BatchResult, error) {
	var result BatchResult
	sorted := make([]MessageRecord, len(records))
	copy(sorted, records)
	sortRecords(sorted)

	prefixOK := true
	var prefixMax int64
	hasPrefix := false
	var firstErr error
	for _, record := range sorted {
		if err := ctx.Err(); err != nil {
			firstErr = err
			break
		}
		applied, err := o.ApplyIncoming(ctx, record)
		switch {
		case err == nil:
			switch applied {
			case ApplyInserted:
				result.Applied++
			case ApplyDuplicate:
				result.Duplicates++
			case ApplyTombstoned:
				result.Tombstoned++
			}
		case errors.Is(err, ErrValidation):
			o.log.Debug().Err(err).Str("message_id", record.ID).Msg("Dropping invalid backfill record")
			result.Invalid++
		default:
			o.log.Warn().Err(err).Str("message_id", record.ID).Msg("Failed to apply backfill record")
			result.Failed++
			if firstErr == nil {
				firstErr = err
			}
			prefixOK = false
			continue
		}
		if prefixOK {
			prefixMax = max(prefixMax, record.CreatedAt)
			hasPrefix = true
		}
	}

	if hasPrefix {
		current, err := o.store.AdvanceCheckpoint(ctx, prefixMax)
		if err != nil {
			return result, err
		}
		result.Checkpoint = &current
	} else {
		checkpoint, err := o.store.GetCheckpoint(ctx)
		if err != nil {
			return result, err
		}
		result.Checkpoint = checkpoint
	}
	return result, firstErr
}

// Backfill pulls everything since the checkpoint and applies it.
func (o *Orchestrator) Backfill(ctx context.Context) (BatchResult, error) {
	if o.fetcher == nil {
		return BatchResult{}, errors.New("no remote service configured")
	}
	if o.State() == StateLoggedOut {
		return BatchResult{}, errors.New("logged out")
	}
	flipped := o.swapState(StateConnected, StateBackfilling)
	if flipped {
		defer o.swapState(StateBackfilling, StateConnected)
	}
	since, err := o.store.GetCheckpoint(ctx)
	if err != nil {
		return BatchResult{}, err
	}
	records, pullErr := o.fetcher.Pull(ctx, since)
	result, applyErr := o.ApplyBatch(ctx, records)
	log := o.log.Info()
	if result.Applied == 0 {
		log = o.log.Debug()
	}
	log.
		Int("fetched", len(records)).
		Int("applied", result.Applied).
		Int("duplicates", result.Duplicates).
		Int("tombstoned", result.Tombstoned).
		Int("invalid", result.Invalid).
		Int("failed", result.Failed).
		Msg("Backfill applied")
	if pullErr != nil {
		return result, pullErr
	}
	return result, applyErr
}

// Repair runs the repair pass and, when prune is set, prunes against a fresh
// remote listing.
func (o *Orchestrator) Repair(ctx context.Context, prune bool) (RepairReport, error) {
	report, err := o.reconciler.Repair(ctx)
	if err != nil || !prune || o.remote == nil {
		return report, err
	}
	listing, err := o.remote.ListConversations(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to fetch conversation listing: %w", err)
	}
	pruned, err := o.reconciler.Prune(ctx, listing)
	report.add(pruned)
	return report, err
}

// ============================================================================
// User operations
// ============================================================================

// SendMessage stores the message as pending and delivers it. On return the
// message is either sent or failed, never pending.
func (o *Orchestrator) SendMessage(ctx context.Context, req SendRequest) (*Message, error) {
	self := o.opts.SelfID
	msgType := req.Type
	if msgType == "" {
		msgType = TypeText
	} else if !msgType.Valid() {
		return nil, &ValidationError{Field: "type", Value: string(msgType)}
	}
	receiver := req.ReceiverID
	if receiver == "" && req.ConversationID != "" {
		conv, err := o.store.GetConversation(ctx, req.ConversationID)
		if err != nil {
			return nil, err
		} else if conv == nil {
			return nil, &NotFoundError{Resource: "conversation", ID: req.ConversationID}
		}
		receiver = conv.CounterpartID
	}
	convID := req.ConversationID
	if convID == "" {
		convID = receiver
	}
	ident, err := o.identity.Canonicalize(ctx, convID, self, receiver)
	if err != nil {
		return nil, err
	}

	msg := &Message{
		ID:             uuid.NewString(),
		ConversationID: ident.ID,
		SenderID:       self,
		ReceiverID:     receiver,
		Content:        req.Content,
		Type:           msgType,
		CreatedAt:      o.nowMS(),
		DeliveryStatus: StatusPending,
		Extra:          req.Extra,
	}
	unlock := o.locks.Lock(ident.ID)
	_, err = o.store.ApplyMessage(ctx, o.conversationFor(ctx, ident), msg, false)
	unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to store outgoing message: %w", err)
	}
	msg.DeliveryStatus = o.deliver(ctx, msg)
	return msg, nil
}

// ResendMessage retries a failed message through the normal send path.
func (o *Orchestrator) ResendMessage(ctx context.Context, id string) (*Message, error) {
	msg, err := o.store.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	} else if msg == nil {
		return nil, &NotFoundError{Resource: "message", ID: id}
	} else if msg.DeliveryStatus != StatusFailed {
		return nil, &ValidationError{Field: "delivery_status", Value: msg.DeliveryStatus.String(), Reason: "only failed messages can be resent"}
	}
	if _, err = o.store.UpdateDeliveryStatus(ctx, id, StatusPending); err != nil {
		return nil, err
	}
	msg.DeliveryStatus = o.deliver(ctx, msg)
	return msg, nil
}

// deliver tries the channel, then a reconnect and a second channel attempt,
// then the HTTP API once. The final status is always persisted.
func (o *Orchestrator) deliver(ctx context.Context, msg *Message) DeliveryStatus {
	log := o.log.With().Str("message_id", msg.ID).Str("conversation_id", msg.ConversationID).Logger()
	record := recordFromMessage(msg)
	status := StatusFailed
	if o.channel.Send(ctx, record) {
		status = StatusSent
	} else if ctx.Err() == nil {
		log.Debug().Msg("Channel send failed, reconnecting")
		o.markDisconnected()
		if err := o.connect(ctx); err != nil {
			log.Debug().Err(err).Msg("Reconnect failed")
		} else if o.channel.Send(ctx, record) {
			status = StatusSent
		}
		if status != StatusSent && o.remote != nil && ctx.Err() == nil {
			if err := o.remote.SendMessage(ctx, record); err != nil {
				log.Warn().Err(err).Msg("HTTP send fallback failed")
			} else {
				status = StatusSent
			}
		}
	}
	// The final write must land even if the caller gave up.
	if _, err := o.store.UpdateDeliveryStatus(context.WithoutCancel(ctx), msg.ID, status); err != nil {
		log.Err(err).Stringer("status", status).Msg("Failed to persist delivery status")
	}
	if status == StatusFailed {
		log.Warn().Msg("Message marked as failed")
	}
	return status
}

// DeleteMessage deletes locally first and then remotely. Once the local
// delete committed the call succeeds; remote failures are queued for retry.
func (o *Orchestrator) DeleteMessage(ctx context.Context, id string) error {
	if id == "" {
		return &ValidationError{Field: "message_id", Value: "", Reason: "empty"}
	}
	var unlock func()
	if msg, err := o.store.GetMessage(ctx, id); err != nil {
		return err
	} else if msg != nil {
		unlock = o.locks.Lock(msg.ConversationID)
	}
	_, err := o.store.DeleteMessageLocal(ctx, id)
	if unlock != nil {
		unlock()
	}
	if err != nil {
		return err
	}
	if o.remote == nil {
		return nil
	}
	o.deleteRemote(ctx, id)
	return nil
}

// deleteRemote returns false when the delete should be retried later.
func (o *Orchestrator) deleteRemote(ctx context.Context, id string) bool {
	err := o.remote.DeleteMessage(ctx, id)
	if err == nil || errors.Is(err, ErrNotFound) {
		if clearErr := o.store.ClearRemoteDelete(ctx, id); clearErr != nil {
			o.log.Warn().Err(clearErr).Str("message_id", id).Msg("Failed to clear queued remote delete")
		}
		return true
	}
	o.log.Warn().Err(err).Str("message_id", id).Msg("Remote delete failed, queued for retry")
	if queueErr := o.store.QueueRemoteDelete(context.WithoutCancel(ctx), id, err.Error()); queueErr != nil {
		o.log.Err(queueErr).Str("message_id", id).Msg("Failed to queue remote delete")
	}
	return false
}

func (o *Orchestrator) flushRemoteDeletes(ctx context.Context) {
	if o.remote == nil {
		return
	}
	ids, err := o.store.ListRemoteDeletes(ctx)
	if err != nil {
		o.log.Warn().Err(err).Msg("Failed to list queued remote deletes")
		return
	}
	for _, id := range ids {
		if ctx.Err() != nil || !o.deleteRemote(ctx, id) {
			return
		}
	}
}

// MarkRead clears the unread count and marks inbound messages read.
func (o *Orchestrator) MarkRead(ctx context.Context, conversationID string) error {
	unlock := o.locks.Lock(conversationID)
	defer unlock()
	return o.store.MarkRead(ctx, conversationID, o.opts.SelfID)
}

// SetConversationFlags pins or mutes a conversation. Nil leaves a flag as is.
func (o *Orchestrator) SetConversationFlags(ctx context.Context, conversationID string, pinned, muted *bool) error {
	unlock := o.locks.Lock(conversationID)
	defer unlock()
	conv, err := o.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	} else if conv == nil {
		return &NotFoundError{Resource: "conversation", ID: conversationID}
	}
	return o.store.SetConversationFlags(ctx, conversationID, pinned, muted)
}

// OpenConversation returns the conversation with a peer or group, creating it
// if needed.
func (o *Orchestrator) OpenConversation(ctx context.Context, peerOrGroupID string) (*Conversation, error) {
	var ident ConversationIdentity
	if IsSingleID(peerOrGroupID) {
		counterpart := o.identity.CounterpartFromSingleID(peerOrGroupID)
		if counterpart == "" || DeriveSingleID(o.opts.SelfID, counterpart) != peerOrGroupID {
			return nil, &ValidationError{Field: "conversation_id", Value: peerOrGroupID, Reason: "not a conversation of this account"}
		}
		ident = ConversationIdentity{ID: peerOrGroupID, Kind: KindSingle, CounterpartID: counterpart}
	} else {
		var err error
		ident, err = o.identity.Canonicalize(ctx, peerOrGroupID, o.opts.SelfID, peerOrGroupID)
		if err != nil {
			return nil, err
		}
	}
	unlock := o.locks.Lock(ident.ID)
	defer unlock()
	if _, err := o.ensureConversation(ctx, ident); err != nil {
		return nil, err
	}
	return o.store.GetConversation(ctx, ident.ID)
}

// ObserveMessages streams snapshots of a conversation's messages until ctx
// ends. Slow readers only see the latest snapshot.
func (o *Orchestrator) ObserveMessages(ctx context.Context, conversationID string) <-chan []Message {
	return o.hub.SubscribeMessages(ctx, conversationID)
}

// ObserveConversations streams snapshots of the conversation list.
func (o *Orchestrator) ObserveConversations(ctx context.Context) <-chan []Conversation {
	return o.hub.SubscribeConversations(ctx)
}
