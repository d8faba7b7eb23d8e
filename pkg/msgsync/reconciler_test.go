package msgsync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestReconciler(t *testing.T, selfID string) (*Reconciler, *CacheStore, *fakeRemote) {
	t.Helper()
	store := newTestStore(t)
	remote := newFakeRemote()
	identity := NewIdentityResolver(selfID, store, remote, zerolog.Nop())
	return NewReconciler(store, identity, nil, zerolog.Nop()), store, remote
}

func TestRepairMigratesMalformedSingleChat(t *testing.T) {
	reconciler, store, _ := newTestReconciler(t, "U2")
	ctx := context.Background()
	mustEnsure(t, store, &Conversation{ID: "U1", Kind: KindSingle, CounterpartID: "U1"})
	mustInsert(t, store, textMessage("m1", "U1", "U1", "U2", 100))

	report, err := reconciler.Repair(ctx)
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	if report.MessagesMigrated != 1 || report.ConversationsRemoved != 1 {
		t.Fatalf("expected 1 migration and 1 removal, got %+v", report)
	}
	if stale, _ := store.GetConversation(ctx, "U1"); stale != nil {
		t.Fatalf("expected stale conversation U1 to be removed, got %+v", stale)
	}
	conv, _ := store.GetConversation(ctx, "U1_U2")
	if conv == nil || conv.Kind != KindSingle || conv.CounterpartID != "U1" {
		t.Fatalf("expected canonical conversation with counterpart U1, got %+v", conv)
	}
	if conv.LastMessagePreview != "hello m1" || conv.LastMessageAt != 100 {
		t.Fatalf("expected migrated activity, got %+v", conv)
	}
	msg, _ := store.GetMessage(ctx, "m1")
	if msg == nil || msg.ConversationID != "U1_U2" {
		t.Fatalf("expected m1 under U1_U2, got %+v", msg)
	}

	report, err = reconciler.Repair(ctx)
	if err != nil {
		t.Fatalf("second repair: %v", err)
	}
	if report.Changed() {
		t.Fatalf("expected second pass to change nothing, got %+v", report)
	}
}

func TestRepairReclassifiesProvisionalGroup(t *testing.T) {
	reconciler, store, remote := newTestReconciler(t, "U1")
	ctx := context.Background()
	remote.groups["G7"] = GroupRecord{ID: "G7", DisplayName: "Book club"}
	mustEnsure(t, store, &Conversation{ID: "G7", Kind: KindSingle, CounterpartID: "U3", Provisional: true})
	mustInsert(t, store, textMessage("m1", "G7", "U3", "G7", 100))

	report, err := reconciler.Repair(ctx)
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	if report.Reclassified != 1 {
		t.Fatalf("expected 1 reclassification, got %+v", report)
	}
	conv, _ := store.GetConversation(ctx, "G7")
	if conv.Kind != KindGroup || conv.CounterpartID != "G7" || conv.Provisional || conv.DisplayName != "Book club" {
		t.Fatalf("expected resolved group, got %+v", conv)
	}
	if count, _ := store.CountMessages(ctx, "G7"); count != 1 {
		t.Fatalf("expected the message to stay in the group, got %d", count)
	}
}

func TestRepairSkipsWhenProbeUnavailable(t *testing.T) {
	reconciler, store, remote := newTestReconciler(t, "U1")
	ctx := context.Background()
	remote.setGroupErr(&TransportError{Op: "group lookup", Err: errFakeOffline})
	mustEnsure(t, store, &Conversation{ID: "G7", Kind: KindSingle, CounterpartID: "U3", Provisional: true})
	mustInsert(t, store, textMessage("m1", "G7", "U3", "G7", 100))

	report, err := reconciler.Repair(ctx)
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	if report.Skipped != 1 || report.Changed() {
		t.Fatalf("expected the conversation to be skipped untouched, got %+v", report)
	}
	conv, _ := store.GetConversation(ctx, "G7")
	if conv.Kind != KindSingle || !conv.Provisional {
		t.Fatalf("expected conversation to stay provisional, got %+v", conv)
	}
}

func TestRepairCorrectsCounterparts(t *testing.T) {
	reconciler, store, _ := newTestReconciler(t, "U1")
	ctx := context.Background()
	if err := store.UpsertConversation(ctx, &Conversation{ID: "G1", Kind: KindGroup, CounterpartID: "U5"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.UpsertConversation(ctx, &Conversation{ID: "U1_U2", Kind: KindSingle, CounterpartID: "U1"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	report, err := reconciler.Repair(ctx)
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	if report.Corrected != 2 {
		t.Fatalf("expected 2 corrections, got %+v", report)
	}
	group, _ := store.GetConversation(ctx, "G1")
	if group.CounterpartID != "G1" {
		t.Fatalf("expected group counterpart G1, got %s", group.CounterpartID)
	}
	single, _ := store.GetConversation(ctx, "U1_U2")
	if single.CounterpartID != "U2" {
		t.Fatalf("expected single counterpart U2, got %s", single.CounterpartID)
	}
}

func TestRepairMovesMisfiledMessagesBetweenSingleChats(t *testing.T) {
	reconciler, store, _ := newTestReconciler(t, "U1")
	ctx := context.Background()
	mustEnsure(t, store, &Conversation{ID: "U1_U2", Kind: KindSingle, CounterpartID: "U2"})
	mustInsert(t, store, textMessage("m1", "U1_U2", "U1", "U2", 100))
	mustInsert(t, store, textMessage("m2", "U1_U2", "U3", "U1", 200))

	report, err := reconciler.Repair(ctx)
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	if report.MessagesMigrated != 1 || report.ConversationsRemoved != 0 {
		t.Fatalf("expected one migration and no removal, got %+v", report)
	}
	msg, _ := store.GetMessage(ctx, "m2")
	if msg.ConversationID != "U1_U3" {
		t.Fatalf("expected m2 under U1_U3, got %s", msg.ConversationID)
	}
	if conv, _ := store.GetConversation(ctx, "U1_U2"); conv == nil {
		t.Fatalf("expected U1_U2 to survive, it still holds m1")
	}
}

func TestPruneIgnoresIncompleteListing(t *testing.T) {
	reconciler, store, _ := newTestReconciler(t, "U1")
	ctx := context.Background()
	mustEnsure(t, store, &Conversation{ID: "U1_U2", Kind: KindSingle, CounterpartID: "U2"})

	report, err := reconciler.Prune(ctx, ConversationListing{Complete: false, FetchedAt: 1000})
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if report.Pruned != 0 {
		t.Fatalf("expected nothing pruned, got %+v", report)
	}
	if conv, _ := store.GetConversation(ctx, "U1_U2"); conv == nil {
		t.Fatalf("expected conversation to survive an incomplete listing")
	}
}

func TestPruneKeepsUnsyncedAndRecentConversations(t *testing.T) {
	reconciler, store, _ := newTestReconciler(t, "U1")
	ctx := context.Background()

	// Listed: kept.
	mustEnsure(t, store, &Conversation{ID: "U1_U2", Kind: KindSingle, CounterpartID: "U2"})
	// Unlisted with a pending send: kept.
	mustEnsure(t, store, &Conversation{ID: "U1_U3", Kind: KindSingle, CounterpartID: "U3"})
	pending := textMessage("p1", "U1_U3", "U1", "U3", 100)
	pending.DeliveryStatus = StatusPending
	mustInsert(t, store, pending)
	// Unlisted with activity after the listing was taken: kept.
	mustEnsure(t, store, &Conversation{ID: "U1_U4", Kind: KindSingle, CounterpartID: "U4"})
	if _, err := store.RecordMessage(ctx, textMessage("n1", "U1_U4", "U4", "U1", 5000), false); err != nil {
		t.Fatalf("record: %v", err)
	}
	// Unlisted and stale: pruned with its messages.
	mustEnsure(t, store, &Conversation{ID: "U1_U5", Kind: KindSingle, CounterpartID: "U5"})
	if _, err := store.RecordMessage(ctx, textMessage("o1", "U1_U5", "U5", "U1", 500), false); err != nil {
		t.Fatalf("record: %v", err)
	}

	listing := ConversationListing{
		Conversations: []ConversationRecord{{ID: "U1_U2", Kind: "single", CounterpartID: "U2"}},
		Complete:      true,
		FetchedAt:     1000,
	}
	report, err := reconciler.Prune(ctx, listing)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if report.Pruned != 1 || report.Skipped != 2 {
		t.Fatalf("expected 1 pruned and 2 skipped, got %+v", report)
	}
	for _, id := range []string{"U1_U2", "U1_U3", "U1_U4"} {
		if conv, _ := store.GetConversation(ctx, id); conv == nil {
			t.Fatalf("expected %s to survive", id)
		}
	}
	if conv, _ := store.GetConversation(ctx, "U1_U5"); conv != nil {
		t.Fatalf("expected U1_U5 to be pruned")
	}
	if has, _ := store.HasMessage(ctx, "o1"); has {
		t.Fatalf("expected pruned conversation's messages to be removed")
	}
}

func TestRepairWaitsForApplyOnSameConversation(t *testing.T) {
	orch, remote, _ := newTestOrchestrator(t, "U1")
	ctx := context.Background()
	// Empty provisional conversation the repair pass will try to drop once
	// the group lookup answers 404.
	mustEnsure(t, orch.Store(), &Conversation{ID: "X9", Kind: KindSingle, CounterpartID: "U3", Provisional: true})

	unlock := orch.locks.Lock("X9")
	done := make(chan RepairReport, 1)
	go func() {
		report, err := orch.Repair(ctx, false)
		if err != nil {
			t.Errorf("repair: %v", err)
		}
		done <- report
	}()
	waitFor(t, "repair to look up X9", func() bool {
		remote.mu.Lock()
		defer remote.mu.Unlock()
		return remote.groupCalls > 0
	})
	time.Sleep(20 * time.Millisecond)
	select {
	case report := <-done:
		t.Fatalf("expected repair to wait for the conversation lock, finished with %+v", report)
	default:
	}

	// An apply holding the lock must still find its conversation.
	msg := textMessage("m1", "X9", "U3", "X9", 100)
	if _, err := orch.Store().RecordMessage(ctx, msg, true); err != nil {
		t.Fatalf("record under lock: %v", err)
	}
	unlock()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("repair never finished")
	}
	stored, _ := orch.Store().GetMessage(ctx, "m1")
	if stored == nil {
		t.Fatalf("expected m1 to survive repair")
	}
	if conv, _ := orch.Store().GetConversation(ctx, stored.ConversationID); conv == nil {
		t.Fatalf("expected m1's conversation %s to exist", stored.ConversationID)
	}
}

func TestPruneWaitsForSendOnSameConversation(t *testing.T) {
	reconciler, store, _ := newTestReconciler(t, "U1")
	ctx := context.Background()
	mustEnsure(t, store, &Conversation{ID: "U1_U5", Kind: KindSingle, CounterpartID: "U5"})
	if _, err := store.RecordMessage(ctx, textMessage("o1", "U1_U5", "U5", "U1", 500), false); err != nil {
		t.Fatalf("record: %v", err)
	}

	unlock := reconciler.locks.Lock("U1_U5")
	done := make(chan RepairReport, 1)
	go func() {
		report, err := reconciler.Prune(ctx, ConversationListing{Complete: true, FetchedAt: 1000})
		if err != nil {
			t.Errorf("prune: %v", err)
		}
		done <- report
	}()
	time.Sleep(20 * time.Millisecond)

	// A send lands while prune waits; its timestamp is older than the
	// listing, so only the unsynced check can save it.
	pending := textMessage("p1", "U1_U5", "U1", "U5", 600)
	pending.DeliveryStatus = StatusPending
	if _, err := store.RecordMessage(ctx, pending, false); err != nil {
		t.Fatalf("record pending: %v", err)
	}
	unlock()

	select {
	case report := <-done:
		if report.Pruned != 0 || report.Skipped != 1 {
			t.Fatalf("expected the conversation to be skipped, got %+v", report)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("prune never finished")
	}
	if has, _ := store.HasMessage(ctx, "p1"); !has {
		t.Fatalf("expected pending send p1 to survive prune")
	}
	if conv, _ := store.GetConversation(ctx, "U1_U5"); conv == nil {
		t.Fatalf("expected U1_U5 to survive prune")
	}
}

func TestPruneRechecksActivityInsideDelete(t *testing.T) {
	_, store, _ := newTestReconciler(t, "U1")
	ctx := context.Background()
	mustEnsure(t, store, &Conversation{ID: "U1_U5", Kind: KindSingle, CounterpartID: "U5"})
	if _, err := store.RecordMessage(ctx, textMessage("n1", "U1_U5", "U5", "U1", 2000), false); err != nil {
		t.Fatalf("record: %v", err)
	}
	deleted, _, err := store.DeleteConversationIfStale(ctx, "U1_U5", 1000)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted {
		t.Fatalf("expected conversation with newer activity to be kept")
	}
	deleted, removed, err := store.DeleteConversationIfStale(ctx, "U1_U5", 3000)
	if err != nil || !deleted || removed != 1 {
		t.Fatalf("expected stale conversation to be deleted with 1 message, got deleted=%v removed=%d err=%v", deleted, removed, err)
	}
}

func TestConcurrentApplyAndRepairKeepReferences(t *testing.T) {
	orch, remote, _ := newTestOrchestrator(t, "U1")
	ctx := context.Background()
	var calls atomic.Int64
	remote.mu.Lock()
	remote.groupFn = func(groupID string) (GroupRecord, error) {
		// Alternate between an unavailable directory (apply files X9 as
		// provisional) and a 404 (repair migrates and drops it).
		if calls.Add(1)%2 == 1 {
			return GroupRecord{}, &TransportError{Op: "group lookup", Err: errFakeOffline}
		}
		return GroupRecord{}, &NotFoundError{Resource: "group", ID: groupID}
	}
	remote.mu.Unlock()

	const messages = 40
	var wg sync.WaitGroup
	errs := make(chan error, messages)
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if _, err := orch.Repair(ctx, false); err != nil {
				errs <- err
				return
			}
		}
	}()
	var applies sync.WaitGroup
	for i := range messages {
		applies.Add(1)
		go func() {
			defer applies.Done()
			record := inbound(fmt.Sprintf("m%d", i), "X9", "U3", "U1", int64(100+i))
			if _, err := orch.ApplyIncoming(ctx, record); err != nil {
				errs <- fmt.Errorf("apply %s: %w", record.ID, err)
			}
		}()
	}
	applies.Wait()
	close(stop)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("%v", err)
	}

	for i := range messages {
		msg, _ := orch.Store().GetMessage(ctx, fmt.Sprintf("m%d", i))
		if msg == nil {
			t.Fatalf("expected m%d to be stored", i)
		}
		if conv, _ := orch.Store().GetConversation(ctx, msg.ConversationID); conv == nil {
			t.Fatalf("m%d references missing conversation %s", i, msg.ConversationID)
		}
	}
}
