package msgsync

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T) *CacheStore {
	t.Helper()
	store, err := OpenCacheStore(context.Background(), ":memory:", zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mustEnsure(t *testing.T, store *CacheStore, conv *Conversation) {
	t.Helper()
	if _, err := store.EnsureConversation(context.Background(), conv); err != nil {
		t.Fatalf("ensure conversation %s: %v", conv.ID, err)
	}
}

func mustInsert(t *testing.T, store *CacheStore, msg *Message) {
	t.Helper()
	if _, err := store.InsertMessage(context.Background(), msg); err != nil {
		t.Fatalf("insert message %s: %v", msg.ID, err)
	}
}

func textMessage(id, convID, sender, receiver string, createdAt int64) *Message {
	return &Message{
		ID:             id,
		ConversationID: convID,
		SenderID:       sender,
		ReceiverID:     receiver,
		Content:        "hello " + id,
		Type:           TypeText,
		CreatedAt:      createdAt,
		DeliveryStatus: StatusSent,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var errFakeOffline = errors.New("offline")

// fakeRemote is an in-memory RemoteService.
type fakeRemote struct {
	mu sync.Mutex

	groups     map[string]GroupRecord
	groupErr   error
	groupCalls int
	// groupFn overrides groups and groupErr when set.
	groupFn func(groupID string) (GroupRecord, error)

	messages []MessageRecord
	pageSize int
	feedErr  error

	sent    []MessageRecord
	sendErr error

	deleted   []string
	deleteErr error

	listing    ConversationListing
	listingErr error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{groups: make(map[string]GroupRecord), pageSize: 2}
}

func (f *fakeRemote) GetGroupInfo(ctx context.Context, groupID string) (GroupRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groupCalls++
	if f.groupFn != nil {
		return f.groupFn(groupID)
	}
	if f.groupErr != nil {
		return GroupRecord{}, f.groupErr
	}
	group, ok := f.groups[groupID]
	if !ok {
		return GroupRecord{}, &NotFoundError{Resource: "group", ID: groupID}
	}
	return group, nil
}

func (f *fakeRemote) ListMessagesSince(ctx context.Context, since *int64, cursor string) (MessagePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.feedErr != nil {
		return MessagePage{}, f.feedErr
	}
	var matching []MessageRecord
	for _, record := range f.messages {
		if since == nil || record.CreatedAt >= *since {
			matching = append(matching, record)
		}
	}
	offset := 0
	if cursor != "" {
		offset, _ = strconv.Atoi(cursor)
	}
	end := min(offset+f.pageSize, len(matching))
	page := MessagePage{Messages: slices.Clone(matching[offset:end])}
	if end < len(matching) {
		next := strconv.Itoa(end)
		page.NextCursor = &next
	}
	return page, nil
}

func (f *fakeRemote) ListConversations(ctx context.Context) (ConversationListing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listing, f.listingErr
}

func (f *fakeRemote) SendMessage(ctx context.Context, record MessageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, record)
	return nil
}

func (f *fakeRemote) DeleteMessage(ctx context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakeRemote) setGroupErr(err error) {
	f.mu.Lock()
	f.groupErr = err
	f.mu.Unlock()
}

func (f *fakeRemote) setSendErr(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

func (f *fakeRemote) setDeleteErr(err error) {
	f.mu.Lock()
	f.deleteErr = err
	f.mu.Unlock()
}

func (f *fakeRemote) addMessages(records ...MessageRecord) {
	f.mu.Lock()
	f.messages = append(f.messages, records...)
	f.mu.Unlock()
}

// fakeChannel is a DeliveryChannel driven by the test.
type fakeChannel struct {
	mu           sync.Mutex
	connected    bool
	connectErr   error
	connectCalls int
	sent         []MessageRecord
	events       chan ChannelEvent
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{events: make(chan ChannelEvent, 64)}
}

func (f *fakeChannel) Connect(ctx context.Context, credential string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeChannel) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *fakeChannel) Send(ctx context.Context, record MessageRecord) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return false
	}
	f.sent = append(f.sent, record)
	return true
}

func (f *fakeChannel) Events() <-chan ChannelEvent {
	return f.events
}

func (f *fakeChannel) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeChannel) setConnectErr(err error) {
	f.mu.Lock()
	f.connectErr = err
	f.mu.Unlock()
}

func (f *fakeChannel) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// drop simulates the transport going away under the orchestrator.
func (f *fakeChannel) drop() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	f.events <- ChannelEvent{Kind: EventDisconnected, Err: errFakeOffline}
}

func fastBackoff() BackoffPolicy {
	return BackoffPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func newTestOrchestrator(t *testing.T, selfID string) (*Orchestrator, *fakeRemote, *fakeChannel) {
	t.Helper()
	store := newTestStore(t)
	remote := newFakeRemote()
	channel := newFakeChannel()
	orch := NewOrchestrator(store, remote, channel, OrchestratorOptions{
		SelfID:  selfID,
		Backoff: fastBackoff(),
	}, zerolog.Nop())
	return orch, remote, channel
}
