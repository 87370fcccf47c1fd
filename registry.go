package ralph

import (
	"fmt"
	"sort"
	"sync"
)

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]BackendFactory)
)

// BackendFactory builds a Backend from a flat configuration map, the
// shape the CLI and configuration files hand over.
type BackendFactory func(config map[string]string) (Backend, error)

// Register makes a backend available under name. Backend packages call
// it from their init so that importing the package is enough to wire
// the backend in:
//
//	func init() {
//	    ralph.Register("mybackend", New)
//	}
//
// A nil factory or a second registration of the same name panics.
func Register(name string, factory BackendFactory) {
	backendsMu.Lock()
	defer backendsMu.Unlock()

	if factory == nil {
		panic("ralph: nil factory registered for backend " + name)
	}
	if _, dup := backends[name]; dup {
		panic("ralph: backend " + name + " registered twice")
	}
	backends[name] = factory
}

// Open builds the named backend, handing config through to its
// factory untouched. An unregistered name yields ErrUnknownBackend.
//
//	backend, err := ralph.Open("es", map[string]string{
//	    "hosts": "http://localhost:9200",
//	    "index": "statements",
//	})
func Open(name string, config map[string]string) (Backend, error) {
	backendsMu.RLock()
	factory, ok := backends[name]
	backendsMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}
	return factory(config)
}

// Backends lists the registered backend names in sorted order.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()

	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsRegistered reports whether a backend is available under name.
func IsRegistered(name string) bool {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	_, ok := backends[name]
	return ok
}

// Unregister drops a registered backend and reports whether it was
// present. Tests use it to restore registry state.
func Unregister(name string) bool {
	backendsMu.Lock()
	defer backendsMu.Unlock()

	if _, ok := backends[name]; ok {
		delete(backends, name)
		return true
	}
	return false
}
