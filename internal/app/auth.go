package app

import (
	"context"
	"errors"
	"sync"

	"loyaltybot/internal/storage"
)

// adminGate answers admin checks for broadcast and approval operations.
// Owner ids from config are always administrators; everyone else is looked
// up in the store's is_admin flag.
type adminGate struct {
	store storage.Store

	mu     sync.RWMutex
	owners map[int64]struct{}
}

func newAdminGate(store storage.Store, owners []int64) *adminGate {
	g := &adminGate{store: store}
	g.SetOwners(owners)
	return g
}

func (g *adminGate) SetOwners(ids []int64) {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if id > 0 {
			set[id] = struct{}{}
		}
	}
	g.mu.Lock()
	g.owners = set
	g.mu.Unlock()
}

func (g *adminGate) IsAdmin(ctx context.Context, userID int64) (bool, error) {
	g.mu.RLock()
	_, owner := g.owners[userID]
	g.mu.RUnlock()
	if owner {
		return true, nil
	}

	u, err := g.store.GetUser(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return u.IsAdmin, nil
}
