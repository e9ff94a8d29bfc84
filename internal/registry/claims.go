package registry

import (
	"context"
	"errors"
	"sync"
)

// ErrClaimed is returned by a ClaimStore when another owner holds the key.
var ErrClaimed = errors.New("key claimed by another owner")

// ClaimStore extends name and target uniqueness beyond one process.
type ClaimStore interface {
	Claim(ctx context.Context, key string) error
	Release(ctx context.Context, key string) error
	Refresh(ctx context.Context, keys []string) error
}

// MemoryClaims is a ClaimStore shared by registries in the same process. Each registry takes an
// owner handle from Owner.
type MemoryClaims struct {
	mu     sync.Mutex
	owners map[string]string
}

func NewMemoryClaims() *MemoryClaims {
	return &MemoryClaims{owners: make(map[string]string)}
}

// Owner returns a ClaimStore view that claims keys as owner.
func (m *MemoryClaims) Owner(owner string) ClaimStore {
	return &memoryOwner{store: m, owner: owner}
}

type memoryOwner struct {
	store *MemoryClaims
	owner string
}

func (o *memoryOwner) Claim(_ context.Context, key string) error {
	o.store.mu.Lock()
	defer o.store.mu.Unlock()
	if cur, ok := o.store.owners[key]; ok && cur != o.owner {
		return ErrClaimed
	}
	o.store.owners[key] = o.owner
	return nil
}

func (o *memoryOwner) Release(_ context.Context, key string) error {
	o.store.mu.Lock()
	defer o.store.mu.Unlock()
	if o.store.owners[key] == o.owner {
		delete(o.store.owners, key)
	}
	return nil
}

func (o *memoryOwner) Refresh(context.Context, []string) error { return nil }
