package broadcast

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/joshp123/homeconnect/internal/devices"
)

// SnapshotObserver receives every device snapshot the gateway broadcasts.
type SnapshotObserver func([]devices.Device)

// Gateway fans notifications out to registered client instances.
type Gateway struct {
	registry *devices.Registry
	log      zerolog.Logger

	mu        sync.Mutex
	clients   map[string]Sink
	observers []SnapshotObserver
}

func NewGateway(registry *devices.Registry, log zerolog.Logger) *Gateway {
	return &Gateway{
		registry: registry,
		log:      log.With().Str("component", "gateway").Logger(),
		clients:  make(map[string]Sink),
	}
}

// Register adds instanceID, or points an existing instance at sink.
func (g *Gateway) Register(instanceID string, sink Sink) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.clients[instanceID]; !ok {
		g.log.Info().Str("instance", instanceID).Msg("client registered")
	}
	g.clients[instanceID] = sink
	clientsGauge.Set(float64(len(g.clients)))
}

// Unregister removes instanceID if it is still bound to sink, so a stale
// transport cannot drop a newer registration of the same instance.
func (g *Gateway) Unregister(instanceID string, sink Sink) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if current, ok := g.clients[instanceID]; ok && current == sink {
		delete(g.clients, instanceID)
		g.log.Info().Str("instance", instanceID).Msg("client unregistered")
	}
	clientsGauge.Set(float64(len(g.clients)))
}

// Clients returns the registered instance IDs, sorted.
func (g *Gateway) Clients() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.clients))
	for id := range g.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// OnSnapshot registers an observer for device snapshots.
func (g *Gateway) OnSnapshot(observer SnapshotObserver) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.observers = append(g.observers, observer)
}

// Broadcast sends payload to every client, addressed to each.
func (g *Gateway) Broadcast(kind Kind, payload Payload) {
	g.mu.Lock()
	targets := make(map[string]Sink, len(g.clients))
	for id, sink := range g.clients {
		targets[id] = sink
	}
	g.mu.Unlock()

	for id, sink := range targets {
		g.deliver(id, sink, kind, payload)
	}
}

// Send delivers to one client. It reports false for unknown instances and
// dropped envelopes.
func (g *Gateway) Send(instanceID string, kind Kind, payload Payload) bool {
	g.mu.Lock()
	sink, ok := g.clients[instanceID]
	g.mu.Unlock()
	if !ok {
		return false
	}
	return g.deliver(instanceID, sink, kind, payload)
}

// BroadcastDeviceSnapshot sends the full sorted device list to every client
// and every snapshot observer.
func (g *Gateway) BroadcastDeviceSnapshot() {
	snapshot := g.registry.SortedSnapshot()
	g.Broadcast(KindDeviceUpdate, DeviceList(snapshot))

	g.mu.Lock()
	observers := append([]SnapshotObserver(nil), g.observers...)
	g.mu.Unlock()
	for _, observer := range observers {
		observer(snapshot)
	}
}

func (g *Gateway) deliver(instanceID string, sink Sink, kind Kind, payload Payload) bool {
	env := Envelope{Notification: kind, Payload: payload.Address(instanceID)}
	if !sink.Deliver(env) {
		notificationsDropped.WithLabelValues(string(kind)).Inc()
		g.log.Warn().Str("instance", instanceID).Str("kind", string(kind)).Msg("client buffer full; notification dropped")
		return false
	}
	notificationsSent.WithLabelValues(string(kind)).Inc()
	return true
}
