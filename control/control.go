package control

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
)

var (
	// ErrNotFound is returned when controlled object no longer exists.
	ErrNotFound = errors.New("controllable not found")

	// ErrNotSupported is returned when operation does not apply to controlled object.
	ErrNotSupported = errors.New("operation not supported")
)

// Validatable is implemented by controls verifying that the controlled object still exists.
type Validatable interface {
	AssertValid() error
}

// Registrable is implemented by controls published through the registrar.
type Registrable interface {
	Key() string
	Kind() string
}

// Dereferenceable is implemented by controls which must be withdrawn when the controlled object disappears.
type Dereferenceable interface {
	Dereference(ctx context.Context)
}

// Registrar receives lifecycle callbacks of controls.
type Registrar interface {
	Register(ctx context.Context, c Registrable) error
	Deregister(ctx context.Context, c Registrable)
}

// Registry is the in-memory registrar.
type Registry struct {
	mu       sync.RWMutex
	controls map[string]Registrable
}

// NewRegistry creates registry.
func NewRegistry() *Registry {
	return &Registry{
		controls: map[string]Registrable{},
	}
}

// Register registers the control.
func (r *Registry) Register(ctx context.Context, c Registrable) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.controls[c.Key()]; exists {
		return errors.Errorf("control %q already registered", c.Key())
	}
	r.controls[c.Key()] = c

	logger.Get(ctx).Debug("Control registered", zap.String("key", c.Key()), zap.String("kind", c.Kind()))
	return nil
}

// Deregister deregisters the control.
func (r *Registry) Deregister(ctx context.Context, c Registrable) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.controls[c.Key()] != c {
		return
	}
	delete(r.controls, c.Key())

	logger.Get(ctx).Debug("Control deregistered", zap.String("key", c.Key()), zap.String("kind", c.Kind()))
}

// Lookup returns the control registered under the key.
func (r *Registry) Lookup(key string) (Registrable, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, exists := r.controls[key]
	return c, exists
}

// List returns registered controls ordered by key.
func (r *Registry) List() []Registrable {
	r.mu.RLock()
	controls := lo.Values(r.controls)
	r.mu.RUnlock()

	slices.SortFunc(controls, func(a, b Registrable) int {
		return strings.Compare(a.Key(), b.Key())
	})
	return controls
}

// Prune dereferences registered controls which are no longer valid.
func (r *Registry) Prune(ctx context.Context) {
	for _, c := range r.List() {
		v, ok := c.(Validatable)
		if !ok || v.AssertValid() == nil {
			continue
		}
		if d, ok := c.(Dereferenceable); ok {
			d.Dereference(ctx)
			continue
		}
		r.Deregister(ctx, c)
	}
}

// BulkResult is the outcome of bulk operation. Operation continues after failures, first one is reported.
type BulkResult struct {
	Succeeded int
	Failed    int
	Err       error
}

func (r *BulkResult) add(err error) {
	if err == nil {
		r.Succeeded++
		return
	}
	r.Failed++
	if r.Err == nil {
		r.Err = err
	}
}

type registration struct {
	registrar Registrar

	mu         sync.Mutex
	registered bool
}

func (r *registration) register(ctx context.Context, c Registrable) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.registrar == nil || r.registered {
		return nil
	}
	if err := r.registrar.Register(ctx, c); err != nil {
		return err
	}
	r.registered = true
	return nil
}

func (r *registration) deregister(ctx context.Context, c Registrable) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.registered {
		return
	}
	r.registered = false
	r.registrar.Deregister(ctx, c)
}
