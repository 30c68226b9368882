package channel

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"nanoclaw/internal/store"
)

func TestIsSyntheticJID(t *testing.T) {
	if !IsSyntheticJID("worker1@nanoclaw") {
		t.Fatal("worker1@nanoclaw should be synthetic")
	}
	if IsSyntheticJID("12345@s.whatsapp.net") {
		t.Fatal("external jid misclassified")
	}
}

func TestSyntheticDelivery(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	adapter := NewSynthetic(st, "Andy", nil)
	cursor := time.Now().Add(-time.Minute)

	if err := adapter.SendFrom(ctx, "andy-developer", "worker1@nanoclaw", "dispatch body"); err != nil {
		t.Fatal(err)
	}
	if err := adapter.SendMessage(ctx, "worker1@nanoclaw", "assistant reply"); err != nil {
		t.Fatal(err)
	}

	// The lane loop must see the lane-to-lane message but not the
	// assistant's own echo.
	msgs, err := st.GetMessagesSince(ctx, "worker1@nanoclaw", cursor, "Andy")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1 (%+v)", len(msgs), msgs)
	}
	m := msgs[0]
	if m.Sender != "andy-developer@nanoclaw" || m.SenderName != "andy-developer" {
		t.Fatalf("sender = %s / %s", m.Sender, m.SenderName)
	}
	if m.IsBotMessage {
		t.Fatal("lane-to-lane traffic must not be flagged as bot output")
	}
}

func TestRouterRejectsExternalWithoutBackend(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	router := NewRouter(NewSynthetic(st, "Andy", nil), nil)
	if err := router.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	if err := router.SendMessage(ctx, "worker1@nanoclaw", "hello"); err != nil {
		t.Fatalf("synthetic route failed: %v", err)
	}
	if err := router.SendMessage(ctx, "12345@s.whatsapp.net", "hello"); err == nil {
		t.Fatal("external jid must fail when no backend is configured")
	}
	if err := router.SendFrom(ctx, "main", "worker1@nanoclaw", "task"); err != nil {
		t.Fatalf("SendFrom failed: %v", err)
	}
}
