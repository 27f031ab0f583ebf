package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/avatar/pkg/avatar"
	"github.com/harunnryd/avatar/pkg/transports"
)

var (
	ErrDraining  = errors.New("gateway: draining")
	ErrFull      = errors.New("gateway: client limit reached")
	ErrDuplicate = errors.New("gateway: client id already registered")
)

// ClientFactory builds the session for one UI connection. Engine.NewClient
// satisfies it.
type ClientFactory func(id string, onTrack func(transports.Track)) (*avatar.Client, error)

type entry struct {
	client  *avatar.Client
	created time.Time
}

// Registry tracks the live clients of the gateway.
type Registry struct {
	clients  sync.Map
	count    atomic.Int64
	max      int64
	factory  ClientFactory
	draining atomic.Bool
}

// NewRegistry caps the registry at max clients; zero means no cap.
func NewRegistry(factory ClientFactory, max int) *Registry {
	return &Registry{factory: factory, max: int64(max)}
}

func (r *Registry) Create(id string, onTrack func(transports.Track)) (*avatar.Client, error) {
	if r.draining.Load() {
		return nil, ErrDraining
	}
	if _, ok := r.clients.Load(id); ok {
		return nil, ErrDuplicate
	}
	if n := r.count.Add(1); r.max > 0 && n > r.max {
		r.count.Add(-1)
		return nil, ErrFull
	}
	client, err := r.factory(id, onTrack)
	if err != nil {
		r.count.Add(-1)
		return nil, err
	}
	if _, loaded := r.clients.LoadOrStore(id, &entry{client: client, created: time.Now()}); loaded {
		client.Close()
		r.count.Add(-1)
		return nil, ErrDuplicate
	}
	return client, nil
}

func (r *Registry) Get(id string) (*avatar.Client, bool) {
	if v, ok := r.clients.Load(id); ok {
		return v.(*entry).client, true
	}
	return nil, false
}

// Remove closes the client and forgets it. Unknown ids are ignored.
func (r *Registry) Remove(id string) {
	if v, ok := r.clients.LoadAndDelete(id); ok {
		v.(*entry).client.Close()
		r.count.Add(-1)
	}
}

func (r *Registry) CloseAll() {
	r.clients.Range(func(key, _ any) bool {
		if id, ok := key.(string); ok {
			r.Remove(id)
		}
		return true
	})
}

func (r *Registry) Count() int64 {
	return r.count.Load()
}

// Full reports whether a new client would be refused for capacity.
func (r *Registry) Full() bool {
	return r.max > 0 && r.count.Load() >= r.max
}

func (r *Registry) SetDraining(v bool) {
	r.draining.Store(v)
}

func (r *Registry) Draining() bool {
	return r.draining.Load()
}

// WaitForEmpty polls until every client left or ctx ends. It reports
// whether the registry emptied.
func (r *Registry) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
