package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/joshp123/homeconnect/internal/broadcast"
	"github.com/joshp123/homeconnect/internal/devices"
	"github.com/joshp123/homeconnect/internal/session"
)

// Session is the part of session.Manager the transports drive.
type Session interface {
	State() session.State
	RegisterClient(instanceID string, sink broadcast.Sink)
	UnregisterClient(instanceID string, sink broadcast.Sink)
	RequestInitialization(ctx context.Context, instanceID string) error
	RequestUpdate(ctx context.Context) error
	RetryAuthentication(ctx context.Context) error
	FetchDevices(ctx context.Context) error
}

// Devices reads the registry.
type Devices interface {
	SortedSnapshot() []devices.Device
	Get(id string) (devices.Device, bool)
}

type RouterOptions struct {
	Session  Session
	Devices  Devices
	Registry *prometheus.Registry
	Log      zerolog.Logger
}

// NewRouter wires every HTTP route.
func NewRouter(opts RouterOptions) *mux.Router {
	h := &api{session: opts.Session, devices: opts.Devices, log: opts.Log.With().Str("component", "http").Logger()}

	r := mux.NewRouter()
	r.HandleFunc("/health", HealthHandler).Methods(http.MethodGet)
	if opts.Registry != nil {
		r.Handle("/metrics", MetricsHandler(opts.Registry)).Methods(http.MethodGet)
	}
	r.Handle("/ws", NewWebSocketHandler(opts.Session, opts.Log)).Methods(http.MethodGet)

	r.HandleFunc("/api/devices", h.listDevices).Methods(http.MethodGet)
	r.HandleFunc("/api/devices/refresh", h.refreshDevices).Methods(http.MethodPost)
	r.HandleFunc("/api/devices/{haId}", h.getDevice).Methods(http.MethodGet)
	r.HandleFunc("/api/session", h.getSession).Methods(http.MethodGet)
	r.HandleFunc("/api/session/retry", h.retrySession).Methods(http.MethodPost)
	return r
}

// HealthHandler returns a simple OK for liveness checks.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type api struct {
	session Session
	devices Devices
	log     zerolog.Logger
}

func (a *api) listDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.devices.SortedSnapshot())
}

func (a *api) getDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := a.devices.Get(mux.Vars(r)["haId"])
	if !ok {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *api) getSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.session.State())
}

// retrySession answers before the device flow finishes; progress goes out
// as notifications.
func (a *api) retrySession(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	go func() {
		if err := a.session.RetryAuthentication(ctx); err != nil {
			a.log.Warn().Err(err).Msg("authentication retry failed")
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "retrying"})
}

func (a *api) refreshDevices(w http.ResponseWriter, r *http.Request) {
	err := a.session.FetchDevices(r.Context())
	switch {
	case errors.Is(err, session.ErrNotReady):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeJSON(w, http.StatusOK, a.devices.SortedSnapshot())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
