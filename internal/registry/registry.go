// Package registry maps proxy names and bind targets to the session that owns them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/matst80/backhaul/internal/obs"
)

var (
	ErrConflict     = errors.New("registration conflict")
	ErrNameConflict = fmt.Errorf("%w: proxy name in use", ErrConflict)
	ErrBindConflict = fmt.Errorf("%w: bind target in use", ErrConflict)
	ErrNotFound     = errors.New("proxy not found")
	ErrNotOwner     = errors.New("proxy owned by another session")
)

// Binding is one published tunnel.
type Binding struct {
	Name      string
	Type      string
	SessionID string
	// Targets are the remote-facing keys this binding occupies, see TCPTarget and HostTarget.
	Targets        []string
	RemotePort     int
	Domains        []string
	UseCompression bool
	BandwidthLimit int64
	Created        time.Time
}

func TCPTarget(port int) string { return "tcp:" + strconv.Itoa(port) }
func UDPTarget(port int) string { return "udp:" + strconv.Itoa(port) }

// HostTarget keys a vhost binding; kind is "http" or "https". Hosts are case-insensitive.
func HostTarget(kind, host string) string { return kind + ":" + strings.ToLower(host) }

// Registry is safe for concurrent use. Name and target checks happen under one lock so two
// sessions registering the same target can never both succeed. Remote claims run outside the
// lock against a local reservation.
type Registry struct {
	mu        sync.Mutex
	byName    map[string]*Binding
	byTarget  map[string]*Binding
	// reserved holds name and target keys of registrations waiting on the claim store
	reserved  map[string]struct{}
	// releasing holds keys of removed bindings until the claim store has let go of them
	releasing map[string]chan struct{}
	claims    ClaimStore
}

// New returns a registry. A nil claims store keeps uniqueness local to this process.
func New(claims ClaimStore) *Registry {
	return &Registry{
		byName:    make(map[string]*Binding),
		byTarget:  make(map[string]*Binding),
		reserved:  make(map[string]struct{}),
		releasing: make(map[string]chan struct{}),
		claims:    claims,
	}
}

func nameKey(name string) string { return "proxy:" + name }
func targetKey(t string) string  { return "target:" + t }

// Register adds b. It fails with ErrNameConflict or ErrBindConflict without side effects.
func (r *Registry) Register(ctx context.Context, b *Binding) error {
	if b.Name == "" {
		return errors.New("empty proxy name")
	}
	keys, err := r.reserve(ctx, b)
	if err != nil {
		return err
	}
	err = r.claimAll(ctx, b)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range keys {
		delete(r.reserved, k)
	}
	if err != nil {
		return err
	}
	if b.Created.IsZero() {
		b.Created = time.Now()
	}
	r.byName[b.Name] = b
	for _, t := range b.Targets {
		r.byTarget[t] = b
	}
	obs.ActiveProxies.WithLabelValues(b.Type).Inc()
	return nil
}

// reserve checks b against registered and in-flight bindings and holds its keys locally. It
// waits out a release of any of those keys still running against the claim store.
func (r *Registry) reserve(ctx context.Context, b *Binding) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		wait := r.releasingLocked(b)
		if wait == nil {
			break
		}
		r.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			r.mu.Lock()
			return nil, ctx.Err()
		}
		r.mu.Lock()
	}
	_, exists := r.byName[b.Name]
	if _, pending := r.reserved[nameKey(b.Name)]; exists || pending {
		return nil, fmt.Errorf("%w: %s", ErrNameConflict, b.Name)
	}
	keys := []string{nameKey(b.Name)}
	seen := make(map[string]bool, len(b.Targets))
	for _, t := range b.Targets {
		_, exists := r.byTarget[t]
		_, pending := r.reserved[targetKey(t)]
		if exists || pending || seen[t] {
			return nil, fmt.Errorf("%w: %s", ErrBindConflict, t)
		}
		seen[t] = true
		keys = append(keys, targetKey(t))
	}
	for _, k := range keys {
		r.reserved[k] = struct{}{}
	}
	return keys, nil
}

func (r *Registry) releasingLocked(b *Binding) chan struct{} {
	if ch := r.releasing[nameKey(b.Name)]; ch != nil {
		return ch
	}
	for _, t := range b.Targets {
		if ch := r.releasing[targetKey(t)]; ch != nil {
			return ch
		}
	}
	return nil
}

func (r *Registry) claimAll(ctx context.Context, b *Binding) error {
	if r.claims == nil {
		return nil
	}
	if err := r.claims.Claim(ctx, nameKey(b.Name)); err != nil {
		if errors.Is(err, ErrClaimed) {
			return fmt.Errorf("%w: %s", ErrNameConflict, b.Name)
		}
		return err
	}
	held := []string{nameKey(b.Name)}
	for _, t := range b.Targets {
		if err := r.claims.Claim(ctx, targetKey(t)); err != nil {
			r.releaseKeys(ctx, held)
			if errors.Is(err, ErrClaimed) {
				return fmt.Errorf("%w: %s", ErrBindConflict, t)
			}
			return err
		}
		held = append(held, targetKey(t))
	}
	return nil
}

func (r *Registry) releaseKeys(ctx context.Context, keys []string) {
	for _, k := range keys {
		if err := r.claims.Release(ctx, k); err != nil {
			obs.Error("registry.claim.release", obs.Fields{"key": k, "err": err})
		}
	}
}

// release is a set of claim keys being given back after their binding was removed.
type release struct {
	keys []string
	done chan struct{}
}

// removeLocked deletes b and marks its claim keys as releasing; the caller hands the result to
// finishRelease once r.mu is dropped.
func (r *Registry) removeLocked(b *Binding) *release {
	delete(r.byName, b.Name)
	for _, t := range b.Targets {
		if r.byTarget[t] == b {
			delete(r.byTarget, t)
		}
	}
	obs.ActiveProxies.WithLabelValues(b.Type).Dec()
	if r.claims == nil {
		return nil
	}
	rel := &release{keys: []string{nameKey(b.Name)}, done: make(chan struct{})}
	for _, t := range b.Targets {
		rel.keys = append(rel.keys, targetKey(t))
	}
	for _, k := range rel.keys {
		r.releasing[k] = rel.done
	}
	return rel
}

func (r *Registry) finishRelease(ctx context.Context, rels ...*release) {
	for _, rel := range rels {
		if rel == nil {
			continue
		}
		r.releaseKeys(ctx, rel.keys)
		r.mu.Lock()
		for _, k := range rel.keys {
			if r.releasing[k] == rel.done {
				delete(r.releasing, k)
			}
		}
		r.mu.Unlock()
		close(rel.done)
	}
}

// Unregister removes the named binding and returns it, or nil when absent.
func (r *Registry) Unregister(ctx context.Context, name string) *Binding {
	r.mu.Lock()
	b := r.byName[name]
	if b == nil {
		r.mu.Unlock()
		return nil
	}
	rel := r.removeLocked(b)
	r.mu.Unlock()
	r.finishRelease(ctx, rel)
	return b
}

// UnregisterOwned removes name only if sessionID owns it.
func (r *Registry) UnregisterOwned(ctx context.Context, name, sessionID string) (*Binding, error) {
	r.mu.Lock()
	b := r.byName[name]
	if b == nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if b.SessionID != sessionID {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotOwner, name)
	}
	rel := r.removeLocked(b)
	r.mu.Unlock()
	r.finishRelease(ctx, rel)
	return b, nil
}

// UnregisterSession removes every binding owned by sessionID.
func (r *Registry) UnregisterSession(ctx context.Context, sessionID string) []*Binding {
	r.mu.Lock()
	var out []*Binding
	for _, b := range r.byName {
		if b.SessionID == sessionID {
			out = append(out, b)
		}
	}
	rels := make([]*release, 0, len(out))
	for _, b := range out {
		rels = append(rels, r.removeLocked(b))
	}
	r.mu.Unlock()
	r.finishRelease(ctx, rels...)
	return out
}

func (r *Registry) Lookup(name string) *Binding {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byName[name]
}

func (r *Registry) LookupByTarget(target string) *Binding {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byTarget[target]
}

// BySession lists the bindings owned by sessionID sorted by name.
func (r *Registry) BySession(sessionID string) []*Binding {
	r.mu.Lock()
	var out []*Binding
	for _, b := range r.byName {
		if b.SessionID == sessionID {
			out = append(out, b)
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// All lists every binding sorted by name.
func (r *Registry) All() []*Binding {
	r.mu.Lock()
	out := make([]*Binding, 0, len(r.byName))
	for _, b := range r.byName {
		out = append(out, b)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// TargetInUse reports whether target is held or being claimed locally.
func (r *Registry) TargetInUse(target string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, pending := r.reserved[targetKey(target)]
	return pending || r.byTarget[target] != nil
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byName)
}

// Refresh extends the lifetime of every claim held by this registry.
func (r *Registry) Refresh(ctx context.Context) error {
	if r.claims == nil {
		return nil
	}
	r.mu.Lock()
	keys := make([]string, 0, len(r.byName)+len(r.byTarget))
	for name := range r.byName {
		keys = append(keys, nameKey(name))
	}
	for t := range r.byTarget {
		keys = append(keys, targetKey(t))
	}
	r.mu.Unlock()
	if len(keys) == 0 {
		return nil
	}
	return r.claims.Refresh(ctx, keys)
}
