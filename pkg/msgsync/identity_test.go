package msgsync

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestDeriveSingleIDIsOrderIndependent(t *testing.T) {
	pairs := [][2]string{{"U1", "U2"}, {"alice", "bob"}, {"9", "10"}}
	for _, pair := range pairs {
		ab := DeriveSingleID(pair[0], pair[1])
		ba := DeriveSingleID(pair[1], pair[0])
		if ab != ba {
			t.Fatalf("expected %q and %q to match", ab, ba)
		}
		if !IsSingleID(ab) {
			t.Fatalf("expected %q to be recognized as a single id", ab)
		}
	}
	if got := DeriveSingleID("U2", "U1"); got != "U1_U2" {
		t.Fatalf("expected U1_U2, got %s", got)
	}
}

func TestValidateUserID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"U1", true},
		{"group-7f3a", true},
		{"", false},
		{" U1", false},
		{"U1\n", false},
		{"U1_U2", false},
	}
	for _, tt := range tests {
		err := ValidateUserID(tt.id)
		if tt.valid && err != nil {
			t.Fatalf("expected %q to be valid, got %v", tt.id, err)
		}
		if !tt.valid && !errors.Is(err, ErrValidation) {
			t.Fatalf("expected %q to fail validation, got %v", tt.id, err)
		}
	}
}

func TestCanonicalizeSingleChat(t *testing.T) {
	remote := newFakeRemote()
	resolver := NewIdentityResolver("U1", nil, remote, zerolog.Nop())

	ident, err := resolver.Canonicalize(context.Background(), "", "U2", "U1")
	if err != nil {
		t.Fatalf("canonicalize failed: %v", err)
	}
	if ident.ID != "U1_U2" || ident.Kind != KindSingle || ident.CounterpartID != "U2" || ident.Provisional {
		t.Fatalf("unexpected identity %+v", ident)
	}

	// A single-chat id in the wrong order still derives the canonical one.
	ident, err = resolver.Canonicalize(context.Background(), "U2_U1", "U1", "U2")
	if err != nil {
		t.Fatalf("canonicalize failed: %v", err)
	}
	if ident.ID != "U1_U2" || ident.CounterpartID != "U2" {
		t.Fatalf("unexpected identity %+v", ident)
	}
	if remote.groupCalls != 0 {
		t.Fatalf("expected no group lookups for separator ids, got %d", remote.groupCalls)
	}
}

func TestCanonicalizeOpaqueID(t *testing.T) {
	store := newTestStore(t)
	remote := newFakeRemote()
	remote.groups["G1"] = GroupRecord{ID: "G1", DisplayName: "Climbing"}
	resolver := NewIdentityResolver("U1", store, remote, zerolog.Nop())
	ctx := context.Background()

	ident, err := resolver.Canonicalize(ctx, "G1", "U2", "G1")
	if err != nil {
		t.Fatalf("canonicalize group failed: %v", err)
	}
	if ident.ID != "G1" || ident.Kind != KindGroup || ident.CounterpartID != "G1" {
		t.Fatalf("unexpected group identity %+v", ident)
	}
	if group, _ := store.LookupGroup(ctx, "G1"); group == nil || group.DisplayName != "Climbing" {
		t.Fatalf("expected group to be recorded in the local directory, got %+v", group)
	}

	// Second classification is answered locally.
	calls := remote.groupCalls
	if kind, resolved := resolver.Classify(ctx, "G1"); kind != KindGroup || !resolved {
		t.Fatalf("expected resolved group, got %s resolved=%v", kind, resolved)
	}
	if remote.groupCalls != calls {
		t.Fatalf("expected local directory hit, remote was called again")
	}

	// A 404 resolves the id as a peer.
	ident, err = resolver.Canonicalize(ctx, "U2", "U2", "U1")
	if err != nil {
		t.Fatalf("canonicalize peer failed: %v", err)
	}
	if ident.ID != "U1_U2" || ident.Kind != KindSingle || ident.Provisional {
		t.Fatalf("unexpected peer identity %+v", ident)
	}
}

func TestCanonicalizeUnresolvedIsProvisional(t *testing.T) {
	remote := newFakeRemote()
	remote.groupErr = &TransportError{Op: "group lookup", Err: errFakeOffline}
	resolver := NewIdentityResolver("U1", nil, remote, zerolog.Nop())

	ident, err := resolver.Canonicalize(context.Background(), "G9", "U3", "G9")
	if err != nil {
		t.Fatalf("canonicalize failed: %v", err)
	}
	if ident.ID != "G9" || ident.Kind != KindSingle || !ident.Provisional || ident.CounterpartID != "U3" {
		t.Fatalf("expected provisional single under the sender's id, got %+v", ident)
	}
}

func TestCanonicalizeRejectsSelfAddressed(t *testing.T) {
	resolver := NewIdentityResolver("U1", nil, nil, zerolog.Nop())
	_, err := resolver.Canonicalize(context.Background(), "", "U1", "U1")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	_, err = resolver.Canonicalize(context.Background(), "", "U1", "")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for empty receiver, got %v", err)
	}
}

func TestCounterpartFromSingleID(t *testing.T) {
	resolver := NewIdentityResolver("U1", nil, nil, zerolog.Nop())
	if got := resolver.CounterpartFromSingleID("U1_U2"); got != "U2" {
		t.Fatalf("expected U2, got %q", got)
	}
	if got := resolver.CounterpartFromSingleID("U0_U1"); got != "U0" {
		t.Fatalf("expected U0, got %q", got)
	}
	if got := resolver.CounterpartFromSingleID("U3_U4"); got != "" {
		t.Fatalf("expected empty counterpart for foreign id, got %q", got)
	}
}
