package devices

import (
	"sort"
	"sync"
)

// Registry is the canonical appliance-ID to Device mapping. Every read
// returns copies.
type Registry struct {
	mu      sync.Mutex
	devices map[string]*Device
}

func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]*Device)}
}

// UpsertFromSnapshot replaces the record for d.ID wholesale.
func (r *Registry) UpsertFromSnapshot(d Device) {
	if d.ID == "" {
		return
	}
	rec := d.Clone()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[d.ID] = &rec
	deviceCount.Set(float64(len(r.devices)))
}

// ApplyEvent routes key to its mutator. Unknown keys and unknown devices
// leave the registry untouched. The result reports whether a field changed.
func (r *Registry) ApplyEvent(id, key string, value any) bool {
	m := mutatorFor(ParseKey(key))
	if m == nil {
		eventsApplied.WithLabelValues("ignored").Inc()
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		eventsApplied.WithLabelValues("unknown_device").Inc()
		return false
	}
	if !m(d, value) {
		eventsApplied.WithLabelValues("unchanged").Inc()
		return false
	}
	eventsApplied.WithLabelValues("applied").Inc()
	return true
}

func (r *Registry) SetConnected(id string, connected bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok || d.Connected == connected {
		return false
	}
	d.Connected = connected
	return true
}

func (r *Registry) Get(id string) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return Device{}, false
	}
	return d.Clone(), true
}

// SortedSnapshot returns every device ordered by name with plain string
// comparison. Order among equal names is unspecified.
func (r *Registry) SortedSnapshot() []Device {
	r.mu.Lock()
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d.Clone())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}

func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = make(map[string]*Device)
	deviceCount.Set(0)
}
