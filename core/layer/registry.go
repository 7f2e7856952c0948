package layer

import "sync"

// Registry maps alias strings to configured channel layer instances.
// Reads are safe for concurrent use; mutations are serialized.
//
// Model it as an injectable component: construct one, populate it at
// startup, pass it to whatever needs lookup, and Clear it at shutdown or
// test teardown.
type Registry struct {
	mu     sync.RWMutex
	layers map[string]Layer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{layers: make(map[string]Layer)}
}

// Register binds a layer instance to an alias, replacing any previous
// binding for the same alias.
func (r *Registry) Register(alias string, l Layer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.layers[alias] = l
}

// Unregister removes the binding for alias, if any.
func (r *Registry) Unregister(alias string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.layers, alias)
}

// Get returns the layer registered under alias.
func (r *Registry) Get(alias string) (Layer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.layers[alias]
	return l, ok
}

// Has reports whether alias is registered.
func (r *Registry) Has(alias string) bool {
	_, ok := r.Get(alias)
	return ok
}

// Aliases returns all registered aliases in unspecified order.
func (r *Registry) Aliases() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.layers))
	for alias := range r.layers {
		out = append(out, alias)
	}
	return out
}

// Len returns the number of registered layers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.layers)
}

// Clear removes every registered layer.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.layers)
}

// Default is the process-wide registry used by the package-level helpers.
var Default = NewRegistry()

// Register binds a layer to an alias on the Default registry.
func Register(alias string, l Layer) { Default.Register(alias, l) }

// Unregister removes an alias from the Default registry.
func Unregister(alias string) { Default.Unregister(alias) }

// Get looks up a layer on the Default registry.
func Get(alias string) (Layer, bool) { return Default.Get(alias) }
