package statesaga

import (
	"context"
	"fmt"
	"sort"

	"github.com/puzpuzpuz/xsync/v3"
)

// API is a runtime instance of an externally implemented remote API. The
// core never inspects it; it is handed to the step's ExecFunc.
type API any

// APIFactory instantiates an API for one step invocation.
type APIFactory func(ctx context.Context) (API, error)

// Registry maps logical resource names, as used in a definition's
// "Resource" field, to API factories.
//
// Definitions reference resources by name only, so every implementation has
// to be registered before a definition using it is compiled. The compiler
// resolves names eagerly and rejects a definition naming anything the
// registry does not know.
type Registry struct {
	factories *xsync.MapOf[string, APIFactory]
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: xsync.NewMapOf[string, APIFactory](),
	}
}

// Register adds a factory under name.
func (r *Registry) Register(name string, factory APIFactory) error {
	if name == "" {
		return fmt.Errorf("resource name must not be empty")
	}
	if factory == nil {
		return fmt.Errorf("resource %q: nil factory", name)
	}
	if _, loaded := r.factories.LoadOrStore(name, factory); loaded {
		return fmt.Errorf("resource with name '%s' already registered", name)
	}
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(name string, factory APIFactory) {
	if err := r.Register(name, factory); err != nil {
		panic(err)
	}
}

// Get retrieves a factory by resource name.
func (r *Registry) Get(name string) (APIFactory, error) {
	factory, ok := r.factories.Load(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownResource, name)
	}
	return factory, nil
}

// Instantiate creates an API instance for the named resource.
func (r *Registry) Instantiate(ctx context.Context, name string) (API, error) {
	factory, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	return factory(ctx)
}

// Names returns the registered resource names in ascending order.
func (r *Registry) Names() []string {
	names := make([]string, 0, r.factories.Size())
	r.factories.Range(func(name string, _ APIFactory) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}

// StaticAPI returns a factory that always hands out api.
func StaticAPI(api API) APIFactory {
	return func(context.Context) (API, error) {
		return api, nil
	}
}
