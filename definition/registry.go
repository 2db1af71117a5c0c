package definition

import (
	"fmt"
	"sync"

	"github.com/noatudor/maestro"
)

// Registry stores workflow definitions by key and version. Starting a
// workflow without an explicit version binds it to the latest registered
// version of the key; running instances keep the version they started
// with. Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byKey  map[string]*Definition // "key:version" -> definition
	latest map[string]Version     // key -> highest registered version
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byKey:  make(map[string]*Definition),
		latest: make(map[string]Version),
	}
}

// Register adds a definition. Registering the same key and version twice
// returns maestro.ErrDuplicateDefinition.
func (r *Registry) Register(def *Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	qk := def.QualifiedKey()
	if _, ok := r.byKey[qk]; ok {
		return fmt.Errorf("%w: %s", maestro.ErrDuplicateDefinition, qk)
	}
	r.byKey[qk] = def

	if cur, ok := r.latest[def.Key]; !ok || def.Version.NewerThan(cur) {
		r.latest[def.Key] = def.Version
	}
	return nil
}

// MustRegister is Register that panics on error, for startup wiring.
func (r *Registry) MustRegister(def *Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Get returns the definition for a key at an exact version.
func (r *Registry) Get(key string, version Version) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.byKey[key+":"+version.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s:%s", maestro.ErrDefinitionNotFound, key, version)
	}
	return def, nil
}

// Latest returns the highest registered version of a key.
func (r *Registry) Latest(key string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	version, ok := r.latest[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", maestro.ErrDefinitionNotFound, key)
	}
	return r.byKey[key+":"+version.String()], nil
}

// Keys returns every registered definition key, unordered.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.latest))
	for key := range r.latest {
		keys = append(keys, key)
	}
	return keys
}

// Versions returns every registered version of a key, unordered.
func (r *Registry) Versions(key string) []Version {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var versions []Version
	for _, def := range r.byKey {
		if def.Key == key {
			versions = append(versions, def.Version)
		}
	}
	return versions
}
