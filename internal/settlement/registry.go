// Package settlement moves funds for approved records before they are marked
// EXECUTED. Settlers are registered per record type.
package settlement

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gyaneshwarpardhi/quorumledger/internal/approval"
)

// Settler performs the external side of an execution and returns a reference
// to it.
type Settler interface {
	Settle(ctx context.Context, rec *approval.Record) (string, error)
}

// Registry maps record types to settlers. Record types without a settler
// execute with no external call. Safe for concurrent reads; Register should
// only be called at startup.
type Registry struct {
	mu       sync.RWMutex
	settlers map[string]Settler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{settlers: make(map[string]Settler)}
}

// Register binds s to recordType. Panics on duplicate type to surface
// misconfiguration early.
func (r *Registry) Register(recordType string, s Settler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := strings.ToUpper(recordType)
	if _, exists := r.settlers[key]; exists {
		panic(fmt.Sprintf("settlement registry: duplicate record type %q", key))
	}
	r.settlers[key] = s
}

// Get returns the settler for recordType.
func (r *Registry) Get(recordType string) (Settler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.settlers[strings.ToUpper(recordType)]
	return s, ok
}

// Types returns the registered record types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.settlers))
	for k := range r.settlers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Settle dispatches to the settler registered for rec.Type.
func (r *Registry) Settle(ctx context.Context, rec *approval.Record) (string, error) {
	s, ok := r.Get(rec.Type)
	if !ok {
		return "", nil
	}
	return s.Settle(ctx, rec)
}
