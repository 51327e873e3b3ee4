package isa95

import "sync"

// Thing is a cached W3C Thing Description annotation for one node/topic.
type Thing struct {
	ThingID      string `json:"thing_id"`
	SemanticType string `json:"semantic_type,omitempty"`
	UnitURI      string `json:"unit_uri,omitempty"`
}

// Registry caches Thing Description annotations keyed by source and
// topic/path. Sources that expose no Thing Description simply have no
// entries; a cache miss leaves the semantic fields empty and is never an
// error.
type Registry struct {
	mu     sync.RWMutex
	things map[string]Thing // key: source + "\x00" + topic
}

// NewRegistry creates an empty Thing Description registry.
func NewRegistry() *Registry {
	return &Registry{things: make(map[string]Thing)}
}

// Put stores an annotation for a source/topic pair.
func (r *Registry) Put(source, topic string, thing Thing) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.things[source+"\x00"+topic] = thing
}

// Lookup resolves an annotation for a source/topic pair.
func (r *Registry) Lookup(source, topic string) (Thing, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.things[source+"\x00"+topic]
	return t, ok
}

// DropSource removes all annotations for a source. Called when a source
// is deleted from the configuration.
func (r *Registry) DropSource(source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prefix := source + "\x00"
	for k := range r.things {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(r.things, k)
		}
	}
}
