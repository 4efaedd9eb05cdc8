package token

import (
	"context"
	"sync"
)

// Info describes a token known to the registry.
type Info struct {
	ID       ID
	Symbol   string
	Name     string
	Decimals uint8
}

// StaticRegistry is an in-process token registry. Supported tokens are fixed
// at construction; other tokens can be added and are dropped when disabled.
type StaticRegistry struct {
	mu        sync.RWMutex
	supported []Info
	others    map[ID]Info
	disabled  map[ID]struct{}
}

// NewStaticRegistry creates a registry from the supported and other token lists.
func NewStaticRegistry(supported, others []Info) *StaticRegistry {
	r := &StaticRegistry{
		others:   make(map[ID]Info),
		disabled: make(map[ID]struct{}),
	}
	seen := make(map[ID]struct{})
	for _, info := range supported {
		info.ID = info.ID.Normalize()
		if _, ok := seen[info.ID]; ok {
			continue
		}
		seen[info.ID] = struct{}{}
		r.supported = append(r.supported, info)
	}
	for _, info := range others {
		info.ID = info.ID.Normalize()
		if _, ok := seen[info.ID]; ok {
			continue
		}
		r.others[info.ID] = info
	}
	return r
}

// SupportedTokens returns the supported token IDs in registration order.
func (r *StaticRegistry) SupportedTokens(ctx context.Context) ([]ID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]ID, 0, len(r.supported))
	for _, info := range r.supported {
		ids = append(ids, info.ID)
	}
	return ids, nil
}

// OtherTokens returns enabled tokens outside the supported set.
func (r *StaticRegistry) OtherTokens(ctx context.Context) ([]ID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]ID, 0, len(r.others))
	for id := range r.others {
		if _, off := r.disabled[id]; off {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// DisableTokens stops tracking the given other tokens. Supported tokens are
// never disabled.
func (r *StaticRegistry) DisableTokens(ctx context.Context, ids []ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range ids {
		id = id.Normalize()
		if _, ok := r.others[id]; ok {
			r.disabled[id] = struct{}{}
		}
	}
	return nil
}

// AddOther registers a token outside the supported set, re-enabling it if it
// was disabled earlier.
func (r *StaticRegistry) AddOther(info Info) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info.ID = info.ID.Normalize()
	for _, s := range r.supported {
		if s.ID == info.ID {
			return
		}
	}
	r.others[info.ID] = info
	delete(r.disabled, info.ID)
}

// Lookup returns the registered info for id.
func (r *StaticRegistry) Lookup(id ID) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id = id.Normalize()
	for _, s := range r.supported {
		if s.ID == id {
			return s, true
		}
	}
	info, ok := r.others[id]
	return info, ok
}

// IsSupported reports whether id is in the supported set.
func (r *StaticRegistry) IsSupported(id ID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id = id.Normalize()
	for _, s := range r.supported {
		if s.ID == id {
			return true
		}
	}
	return false
}
