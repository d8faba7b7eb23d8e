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
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const observeQueryTimeout = 10 * time.Second

// observeHub turns store change notifications into fresh snapshots for
// subscribers. Each subscriber channel holds at most one snapshot; a slow
// reader only ever sees the latest one.
type observeHub struct {
	store *CacheStore
	log   zerolog.Logger

	lock     sync.Mutex
	nextID   int
	msgSubs  map[string]map[int]chan []Message
	convSubs map[int]chan []Conversation
	dirty    map[string]struct{}
	dirtyAll bool
	flushing bool
}

func newObserveHub(store *CacheStore, log zerolog.Logger) *observeHub {
	h := &observeHub{
		store:    store,
		log:      log.With().Str("component", "observe").Logger(),
		msgSubs:  make(map[string]map[int]chan []Message),
		convSubs: make(map[int]chan []Conversation),
		dirty:    make(map[string]struct{}),
	}
	store.SetChangeListener(h.notify)
	return h
}

func (h *observeHub) notify(conversationIDs []string) {
	h.lock.Lock()
	defer h.lock.Unlock()
	if len(h.msgSubs) == 0 && len(h.convSubs) == 0 {
		return
	}
	if conversationIDs == nil {
		h.dirtyAll = true
	}
	for _, id := range conversationIDs {
		h.dirty[id] = struct{}{}
	}
	if !h.flushing {
		h.flushing = true
		go h.flushLoop()
	}
}

func (h *observeHub) flushLoop() {
	for {
		h.lock.Lock()
		if !h.dirtyAll && len(h.dirty) == 0 {
			h.flushing = false
			h.lock.Unlock()
			return
		}
		dirty, all := h.dirty, h.dirtyAll
		h.dirty, h.dirtyAll = make(map[string]struct{}), false
		wantConvs := len(h.convSubs) > 0
		var convIDs []string
		for id := range h.msgSubs {
			if _, ok := dirty[id]; ok || all {
				convIDs = append(convIDs, id)
			}
		}
		h.lock.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), observeQueryTimeout)
		if wantConvs {
			h.refreshConversations(ctx)
		}
		for _, id := range convIDs {
			h.refreshMessages(ctx, id)
		}
		cancel()
	}
}

func (h *observeHub) refreshConversations(ctx context.Context) {
	convs, err := h.store.ListConversations(ctx)
	if err != nil {
		h.log.Err(err).Msg("Failed to load conversation snapshot")
		return
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	for _, ch := range h.convSubs {
		offerLatest(ch, convs)
	}
}

func (h *observeHub) refreshMessages(ctx context.Context, conversationID string) {
	msgs, err := h.store.ListMessages(ctx, conversationID)
	if err != nil {
		h.log.Err(err).Str("conversation_id", conversationID).Msg("Failed to load message snapshot")
		return
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	for _, ch := range h.msgSubs[conversationID] {
		offerLatest(ch, msgs)
	}
}

// offerLatest replaces whatever snapshot is waiting in ch. Caller holds the
// hub lock, which makes it the only sender.
func offerLatest[T any](ch chan T, value T) {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- value:
	default:
	}
}

func (h *observeHub) SubscribeMessages(ctx context.Context, conversationID string) <-chan []Message {
	ch := make(chan []Message, 1)
	h.lock.Lock()
	id := h.nextID
	h.nextID++
	subs, ok := h.msgSubs[conversationID]
	if !ok {
		subs = make(map[int]chan []Message)
		h.msgSubs[conversationID] = subs
	}
	subs[id] = ch
	h.lock.Unlock()

	h.notify([]string{conversationID})
	go func() {
		<-ctx.Done()
		h.lock.Lock()
		delete(h.msgSubs[conversationID], id)
		if len(h.msgSubs[conversationID]) == 0 {
			delete(h.msgSubs, conversationID)
		}
		close(ch)
		h.lock.Unlock()
	}()
	return ch
}

func (h *observeHub) SubscribeConversations(ctx context.Context) <-chan []Conversation {
	ch := make(chan []Conversation, 1)
	h.lock.Lock()
	id := h.nextID
	h.nextID++
	h.convSubs[id] = ch
	h.lock.Unlock()

	h.notify(nil)
	go func() {
		<-ctx.Done()
		h.lock.Lock()
		delete(h.convSubs, id)
		close(ch)
		h.lock.Unlock()
	}()
	return ch
}
