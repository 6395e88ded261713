package manager

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/loykin/bpftraced/internal/script"
)

// Registry is the table of in-flight scripts. All methods are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	scripts map[string]*script.Script
	now     func() time.Time
}

func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{scripts: make(map[string]*script.Script), now: now}
}

// Create registers a new stopped script under a fresh identifier.
func (r *Registry) Create(code, username string, persistent bool) *script.Script {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		sc := script.New(code, username, persistent, r.now())
		if _, dup := r.scripts[sc.ID]; dup {
			continue
		}
		r.scripts[sc.ID] = sc
		return sc
	}
}

// Restore inserts a script that already carries an identifier.
func (r *Registry) Restore(sc *script.Script) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.scripts[sc.ID]; dup {
		return fmt.Errorf("script %s already registered", sc.ID)
	}
	r.scripts[sc.ID] = sc
	return nil
}

func (r *Registry) Get(id string) (*script.Script, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sc, ok := r.scripts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", script.ErrNotFound, id)
	}
	return sc, nil
}

// Touch refreshes the last access time of id. Unknown ids are ignored.
func (r *Registry) Touch(id string) {
	r.mu.RLock()
	sc := r.scripts[id]
	r.mu.RUnlock()
	if sc != nil {
		sc.Touch(r.now())
	}
}

// Delete removes id from the table. Stopping its process is up to the caller.
func (r *Registry) Delete(id string) (*script.Script, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sc, ok := r.scripts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", script.ErrNotFound, id)
	}
	delete(r.scripts, id)
	return sc, nil
}

// List returns the registered scripts, oldest first.
func (r *Registry) List() []*script.Script {
	r.mu.RLock()
	out := make([]*script.Script, 0, len(r.scripts))
	for _, sc := range r.scripts {
		out = append(out, sc)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.scripts)
}
