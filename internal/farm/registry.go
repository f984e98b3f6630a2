package farm

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/mattjoyce/workfarm/internal/config"
)

// Registry tracks the farms an application has created so they can be killed
// together on shutdown.
type Registry struct {
	opts []Option

	mu    sync.Mutex
	farms map[string]*Farm
}

// NewRegistry returns an empty registry. opts apply to every farm it creates.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{opts: opts, farms: make(map[string]*Farm)}
}

// Create builds a farm and tracks it until it is killed.
func (r *Registry) Create(cfg config.Farm, opts ...Option) (*Farm, error) {
	all := append(append([]Option{}, r.opts...), opts...)
	f, err := New(cfg, all...)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.farms[f.ID()] = f
	r.mu.Unlock()

	go func() {
		<-f.Done()
		r.mu.Lock()
		delete(r.farms, f.ID())
		r.mu.Unlock()
	}()
	return f, nil
}

// Get returns a live farm by id.
func (r *Registry) Get(id string) (*Farm, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.farms[id]
	return f, ok
}

// List returns live farms ordered by id.
func (r *Registry) List() []*Farm {
	r.mu.Lock()
	farms := make([]*Farm, 0, len(r.farms))
	for _, f := range r.farms {
		farms = append(farms, f)
	}
	r.mu.Unlock()

	sort.Slice(farms, func(i, j int) bool { return farms[i].ID() < farms[j].ID() })
	return farms
}

// KillAll kills every tracked farm concurrently and waits for them.
func (r *Registry) KillAll(ctx context.Context) error {
	farms := r.List()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, f := range farms {
		wg.Add(1)
		go func(f *Farm) {
			defer wg.Done()
			if err := f.Kill(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(f)
	}
	wg.Wait()

	r.mu.Lock()
	for _, f := range farms {
		delete(r.farms, f.ID())
	}
	r.mu.Unlock()
	return errors.Join(errs...)
}
