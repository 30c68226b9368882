// Package channel defines the messaging-channel seam and the synthetic
// in-process adapter used for internal lane-to-lane traffic.
package channel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"nanoclaw/internal/logging"
	"nanoclaw/internal/store"
)

// SyntheticDomain is the JID suffix of internal lanes that have no external
// messaging backend.
const SyntheticDomain = "@nanoclaw"

// IsSyntheticJID reports whether jid belongs to the synthetic adapter.
func IsSyntheticJID(jid string) bool {
	return strings.HasSuffix(jid, SyntheticDomain)
}

// Adapter is the seam between the orchestrator and a messaging channel.
type Adapter interface {
	Connect(ctx context.Context) error
	Disconnect() error
	SendMessage(ctx context.Context, chatJID, text string) error
	SetTyping(ctx context.Context, chatJID string, typing bool) error
}

// Synthetic delivers messages by writing them straight into the persistence
// gateway, where the target lane's message loop picks them up.
type Synthetic struct {
	store         *store.Store
	assistantName string
	logger        logging.Logger
}

// NewSynthetic builds the internal adapter. assistantName is stamped on
// outbound assistant messages so the loop can exclude its own echoes.
func NewSynthetic(st *store.Store, assistantName string, logger logging.Logger) *Synthetic {
	return &Synthetic{store: st, assistantName: assistantName, logger: logging.OrNop(logger)}
}

// Connect is a no-op; the synthetic channel has no session to establish.
func (s *Synthetic) Connect(context.Context) error { return nil }

// Disconnect is a no-op.
func (s *Synthetic) Disconnect() error { return nil }

// SetTyping is a no-op; internal lanes have no typing indicator.
func (s *Synthetic) SetTyping(context.Context, string, bool) error { return nil }

// SendMessage stores an assistant-authored message into the chat.
func (s *Synthetic) SendMessage(ctx context.Context, chatJID, text string) error {
	return s.store.StoreMessage(ctx, store.Message{
		ChatJID:      chatJID,
		ID:           uuid.NewString(),
		Sender:       s.assistantName + SyntheticDomain,
		SenderName:   s.assistantName,
		Content:      text,
		Timestamp:    time.Now(),
		IsBotMessage: true,
	})
}

// SendFrom stores a message on behalf of a source lane so the target lane
// processes it as inbound traffic.
func (s *Synthetic) SendFrom(ctx context.Context, sourceGroup, chatJID, text string) error {
	s.logger.Debug("synthetic send %s -> %s (%d bytes)", sourceGroup, chatJID, len(text))
	return s.store.StoreMessage(ctx, store.Message{
		ChatJID:    chatJID,
		ID:         uuid.NewString(),
		Sender:     sourceGroup + SyntheticDomain,
		SenderName: sourceGroup,
		Content:    text,
		Timestamp:  time.Now(),
	})
}

// Router dispatches per-JID: synthetic lane addresses go to the in-process
// adapter, everything else to an optional external backend.
type Router struct {
	synthetic *Synthetic
	external  Adapter
}

// NewRouter builds a router. external may be nil when the deployment has no
// outside messaging backend; non-synthetic JIDs then fail loudly.
func NewRouter(synthetic *Synthetic, external Adapter) *Router {
	return &Router{synthetic: synthetic, external: external}
}

func (r *Router) pick(chatJID string) (Adapter, error) {
	if IsSyntheticJID(chatJID) {
		return r.synthetic, nil
	}
	if r.external == nil {
		return nil, fmt.Errorf("no external channel configured for %s", chatJID)
	}
	return r.external, nil
}

// Connect connects every configured backend.
func (r *Router) Connect(ctx context.Context) error {
	if err := r.synthetic.Connect(ctx); err != nil {
		return err
	}
	if r.external != nil {
		return r.external.Connect(ctx)
	}
	return nil
}

// Disconnect disconnects every configured backend.
func (r *Router) Disconnect() error {
	if r.external != nil {
		if err := r.external.Disconnect(); err != nil {
			return err
		}
	}
	return r.synthetic.Disconnect()
}

// SendMessage routes an assistant message to the backend owning the JID.
func (r *Router) SendMessage(ctx context.Context, chatJID, text string) error {
	a, err := r.pick(chatJID)
	if err != nil {
		return err
	}
	return a.SendMessage(ctx, chatJID, text)
}

// SetTyping routes a typing indicator; synthetic lanes ignore it.
func (r *Router) SetTyping(ctx context.Context, chatJID string, typing bool) error {
	a, err := r.pick(chatJID)
	if err != nil {
		return err
	}
	return a.SetTyping(ctx, chatJID, typing)
}

// SendFrom is always synthetic: lane-to-lane attribution only exists for
// internal traffic.
func (r *Router) SendFrom(ctx context.Context, sourceGroup, chatJID, text string) error {
	return r.synthetic.SendFrom(ctx, sourceGroup, chatJID, text)
}
