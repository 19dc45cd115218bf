package observability

import (
	"context"
	"sync"

	"github.com/impimediavillage/marketplace/internal/platform/auth"
)

type identitySlotKey struct{}

// identitySlot lets inner middleware hand the authenticated identity back to the request logger.
type identitySlot struct {
	mu       sync.Mutex
	identity *auth.Identity
}

func (s *identitySlot) set(identity *auth.Identity) {
	s.mu.Lock()
	s.identity = identity
	s.mu.Unlock()
}

func (s *identitySlot) get() *auth.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

func withIdentitySlot(ctx context.Context, slot *identitySlot) context.Context {
	return context.WithValue(ctx, identitySlotKey{}, slot)
}

func identitySlotFrom(ctx context.Context) *identitySlot {
	slot, _ := ctx.Value(identitySlotKey{}).(*identitySlot)
	return slot
}
