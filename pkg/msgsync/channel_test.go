package msgsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
)

func nextEvent(t *testing.T, events <-chan ChannelEvent) ChannelEvent {
	t.Helper()
	select {
	case evt := <-events:
		return evt
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for channel event")
		return ChannelEvent{}
	}
}

func TestWSChannelRoundTrip(t *testing.T) {
	received := make(chan []byte, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("expected bearer token, got %q", got)
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		ctx := r.Context()
		frames := []string{
			`{"type":"message","data":{"id":"m1","conversationId":"U1_U2","senderId":"U2","receiverId":"U1","content":"hi","type":"text","createdAt":100}}`,
			`{"type":"typing","data":{"userId":"U2"}}`,
			`{"type":"receipt","data":{"messageId":"m0","status":"read"}}`,
		}
		for _, frame := range frames {
			if err = conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
				t.Errorf("write: %v", err)
				return
			}
		}
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Errorf("read: %v", err)
			return
		}
		received <- data
		_ = conn.Close(websocket.StatusNormalClosure, "done")
	}))
	defer server.Close()

	channel := NewWSChannel(server.URL, zerolog.Nop())
	if err := channel.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer channel.Disconnect()

	events := channel.Events()
	if evt := nextEvent(t, events); evt.Kind != EventConnected {
		t.Fatalf("expected connected event, got %s", evt.Kind)
	}
	evt := nextEvent(t, events)
	if evt.Kind != EventMessage || evt.Message == nil || evt.Message.ID != "m1" || evt.Message.CreatedAt != 100 {
		t.Fatalf("expected message m1, got %+v", evt)
	}
	evt = nextEvent(t, events)
	if evt.Kind != EventReceipt || evt.MessageID != "m0" || evt.Status != StatusRead {
		t.Fatalf("expected read receipt for m0, got %+v", evt)
	}

	if !channel.Send(context.Background(), MessageRecord{ID: "out1", Content: "yo", Type: "text"}) {
		t.Fatalf("expected send to be accepted")
	}
	select {
	case data := <-received:
		var frame struct {
			Type string        `json:"type"`
			Data MessageRecord `json:"data"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("decode sent frame: %v", err)
		}
		if frame.Type != "message" || frame.Data.ID != "out1" {
			t.Fatalf("unexpected sent frame %s", data)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server never received the frame")
	}

	evt = nextEvent(t, events)
	if evt.Kind != EventDisconnected || evt.Err == nil {
		t.Fatalf("expected disconnect with cause after server close, got %+v", evt)
	}
	if channel.Connected() {
		t.Fatalf("expected channel to report disconnected")
	}
	if channel.Send(context.Background(), MessageRecord{ID: "out2"}) {
		t.Fatalf("expected send on a closed channel to fail")
	}
}

func TestWSChannelConnectFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	channel := NewWSChannel(server.URL, zerolog.Nop())
	err := channel.Connect(context.Background(), "bad")
	if !IsTransient(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if channel.Connected() {
		t.Fatalf("expected channel to stay disconnected")
	}
}

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		ok      bool
		wantErr bool
		kind    ChannelEventKind
	}{
		{"message", `{"type":"message","data":{"id":"m1","createdAt":5}}`, true, false, EventMessage},
		{"message without id", `{"type":"message","data":{"content":"x"}}`, false, true, 0},
		{"receipt", `{"type":"receipt","data":{"messageId":"m1","status":"delivered"}}`, true, false, EventReceipt},
		{"receipt with bad status", `{"type":"receipt","data":{"messageId":"m1","status":"lost"}}`, false, true, 0},
		{"recall", `{"type":"recall","data":{"messageId":"m1"}}`, true, false, EventRecall},
		{"unknown", `{"type":"presence","data":{}}`, false, false, 0},
		{"garbage", `{"type":`, false, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt, ok, err := decodeFrame([]byte(tt.frame))
			if (err != nil) != tt.wantErr {
				t.Fatalf("expected error=%v, got %v", tt.wantErr, err)
			}
			if ok != tt.ok {
				t.Fatalf("expected ok=%v, got %v", tt.ok, ok)
			}
			if ok && evt.Kind != tt.kind {
				t.Fatalf("expected %s, got %s", tt.kind, evt.Kind)
			}
		})
	}
}
