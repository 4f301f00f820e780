package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/joshp123/homeconnect/internal/broadcast"
	"github.com/joshp123/homeconnect/internal/clock"
	"github.com/joshp123/homeconnect/internal/config"
	"github.com/joshp123/homeconnect/internal/devices"
	"github.com/joshp123/homeconnect/internal/homeconnect"
	"github.com/joshp123/homeconnect/internal/mqtt"
	"github.com/joshp123/homeconnect/internal/oauth"
	"github.com/joshp123/homeconnect/internal/qr"
	"github.com/joshp123/homeconnect/internal/rate"
	"github.com/joshp123/homeconnect/internal/server"
	"github.com/joshp123/homeconnect/internal/session"
)

const blobKey = "homeconnect"

type app struct {
	manager   *session.Manager
	registry  *devices.Registry
	gateway   *broadcast.Gateway
	bridge    *homeconnect.Bridge
	scheduler *oauth.Scheduler
	publisher *mqtt.Publisher
	metrics   *prometheus.Registry
}

func apiBaseURL(cfg *config.Config) string {
	if cfg.HomeConnect.BaseURL != "" {
		return cfg.HomeConnect.BaseURL
	}
	return homeconnect.BaseURL(cfg.HomeConnect.Simulated)
}

func declaration(cfg *config.Config) oauth.Declaration {
	decl := oauth.HomeConnect(apiBaseURL(cfg))
	decl.Scope = cfg.HomeConnect.Scope
	return decl
}

// tokenStore is the refresh-token file, mirrored to S3 when configured.
func tokenStore(cfg *config.Config, log zerolog.Logger) (oauth.TokenStore, error) {
	local, err := oauth.NewFileStore(cfg.OAuth.TokenFile)
	if err != nil {
		return nil, err
	}
	if !cfg.OAuth.MirrorEnabled() {
		return local, nil
	}
	blob, err := oauth.NewS3Store(oauth.S3Options{
		Endpoint:      cfg.OAuth.BlobEndpoint,
		Bucket:        cfg.OAuth.BlobBucket,
		Prefix:        cfg.OAuth.BlobPrefix,
		Region:        cfg.OAuth.BlobRegion,
		AccessKeyFile: cfg.OAuth.BlobAccessKeyFile,
		SecretKeyFile: cfg.OAuth.BlobSecretKeyFile,
	})
	if err != nil {
		return nil, fmt.Errorf("token mirror: %w", err)
	}
	return oauth.NewMirroredStore(local, blob, blobKey, log), nil
}

func newApp(cfg *config.Config, log zerolog.Logger) (*app, error) {
	clk := clock.Real()
	baseURL := apiBaseURL(cfg)
	decl := declaration(cfg)

	store, err := tokenStore(cfg, log)
	if err != nil {
		return nil, err
	}

	guard := rate.NewGuard(rate.HomeConnect().
		MaxRequestsPer(rate.Minute, cfg.Rate.PerMinute).
		MaxRequestsPer(rate.Day, cfg.Rate.PerDay), clk)
	api := homeconnect.NewClient(baseURL, rate.WrapHTTP(guard, &http.Client{Timeout: 15 * time.Second}))
	bridge := homeconnect.NewBridge(baseURL, homeconnect.HTTPDialer{Client: &http.Client{}}, clk, log)

	refresher := oauth.NewRefresher(decl, cfg.HomeConnect.ClientID, cfg.HomeConnect.ClientSecret, nil, clk)
	scheduler := oauth.NewScheduler(refresher, clk, log)
	registry := devices.NewRegistry()
	gateway := broadcast.NewGateway(registry, log)

	manager, err := session.NewManager(session.Config{
		ClientID:         cfg.HomeConnect.ClientID,
		ClientSecret:     cfg.HomeConnect.ClientSecret,
		MinAuthInterval:  cfg.OAuth.MinAuthInterval,
		MaxInitAttempts:  cfg.OAuth.MaxInitAttempts,
		PerDeviceStreams: cfg.HomeConnect.PerDeviceStreams,
	}, session.Deps{
		Store:         store,
		Authenticator: oauth.NewAuthenticator(decl, nil, clk, log),
		Refresher:     refresher,
		Scheduler:     scheduler,
		API:           api,
		Bridge:        bridge,
		Registry:      registry,
		Gateway:       gateway,
		QR:            qr.SVG{},
		Clock:         clk,
	}, log)
	if err != nil {
		return nil, err
	}

	a := &app{
		manager:   manager,
		registry:  registry,
		gateway:   gateway,
		bridge:    bridge,
		scheduler: scheduler,
		metrics:   metricsRegistry(registry),
	}

	if cfg.MQTT != nil {
		pub, err := mqtt.Connect(mqtt.Options{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         byte(cfg.MQTT.QoS),
		}, log)
		if err != nil {
			return nil, err
		}
		gateway.OnSnapshot(pub.PublishSnapshot)
		a.publisher = pub
	}
	return a, nil
}

func metricsRegistry(registry *devices.Registry) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	groups := [][]prometheus.Collector{
		oauth.MetricsCollectors(),
		rate.MetricsCollectors(),
		homeconnect.MetricsCollectors(),
		devices.MetricsCollectors(),
		broadcast.MetricsCollectors(),
		session.MetricsCollectors(),
		mqtt.MetricsCollectors(),
		server.MetricsCollectors(),
	}
	for _, group := range groups {
		reg.MustRegister(group...)
	}
	reg.MustRegister(devices.NewMetricsCollector(registry))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "homeconnect_build_info",
		Help: "Build information",
	}, func() float64 { return 1 }))
	return reg
}

func (a *app) close() {
	a.scheduler.Stop()
	a.bridge.Close()
	if a.publisher != nil {
		a.publisher.Close()
	}
}
