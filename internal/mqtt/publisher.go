// Package mqtt mirrors the device registry to an MQTT broker as retained
// per-appliance state messages.
package mqtt

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/joshp123/homeconnect/internal/devices"
)

const DefaultTopicPrefix = "homeconnect"

// Options configure the broker connection.
type Options struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// Message is one retained publish.
type Message struct {
	Topic   string
	Payload []byte
}

// publishClient is the part of paho.Client the publisher uses.
type publishClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

// Publisher is a broadcast snapshot observer.
type Publisher struct {
	client publishClient
	conn   paho.Client
	prefix string
	qos    byte
	log    zerolog.Logger
}

// Connect dials the broker and marks the bridge online. The broker
// publishes "offline" on the status topic if the connection drops.
func Connect(opts Options, log zerolog.Logger) (*Publisher, error) {
	if opts.Broker == "" {
		return nil, errors.New("mqtt: broker required")
	}
	prefix := topicPrefix(opts.TopicPrefix)
	clientID := opts.ClientID
	if clientID == "" {
		clientID = randomClientID()
	}

	co := paho.NewClientOptions()
	co.AddBroker(opts.Broker)
	co.SetClientID(clientID)
	co.SetUsername(opts.Username)
	co.SetPassword(opts.Password)
	co.SetAutoReconnect(true)
	co.SetConnectRetry(true)
	co.SetConnectTimeout(10 * time.Second)
	co.SetWill(prefix+"/status", "offline", opts.QoS, true)

	p := &Publisher{
		prefix: prefix,
		qos:    opts.QoS,
		log:    log.With().Str("component", "mqtt").Logger(),
	}
	co.OnConnect = func(c paho.Client) {
		p.log.Info().Str("broker", opts.Broker).Msg("mqtt connected")
		c.Publish(prefix+"/status", opts.QoS, true, "online")
	}
	co.OnConnectionLost = func(_ paho.Client, err error) {
		p.log.Warn().Err(err).Msg("mqtt connection lost")
	}

	client := paho.NewClient(co)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}
	p.client = client
	p.conn = client
	return p, nil
}

func newPublisher(client publishClient, prefix string, log zerolog.Logger) *Publisher {
	return &Publisher{client: client, prefix: topicPrefix(prefix), log: log}
}

// PublishSnapshot publishes one retained state message per device. It does
// not wait for broker acknowledgements.
func (p *Publisher) PublishSnapshot(list []devices.Device) {
	msgs, err := Messages(p.prefix, list)
	if err != nil {
		p.log.Error().Err(err).Msg("encode device state failed")
		return
	}
	for _, msg := range msgs {
		token := p.client.Publish(msg.Topic, p.qos, true, msg.Payload)
		published.Inc()
		go p.await(msg.Topic, token)
	}
}

func (p *Publisher) await(topic string, token paho.Token) {
	if !token.WaitTimeout(10 * time.Second) {
		publishFailures.Inc()
		p.log.Warn().Str("topic", topic).Msg("mqtt publish not acknowledged")
		return
	}
	if err := token.Error(); err != nil {
		publishFailures.Inc()
		p.log.Warn().Err(err).Str("topic", topic).Msg("mqtt publish failed")
	}
}

// Close publishes "offline" and disconnects.
func (p *Publisher) Close() {
	if p.conn == nil {
		return
	}
	p.conn.Publish(p.prefix+"/status", p.qos, true, "offline").WaitTimeout(time.Second)
	p.conn.Disconnect(250)
}

// Messages renders <prefix>/<haId>/state for each device.
func Messages(prefix string, list []devices.Device) ([]Message, error) {
	prefix = topicPrefix(prefix)
	out := make([]Message, 0, len(list))
	for _, d := range list {
		if d.ID == "" {
			continue
		}
		payload, err := json.Marshal(d)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", d.ID, err)
		}
		out = append(out, Message{
			Topic:   prefix + "/" + topicSegment(d.ID) + "/state",
			Payload: payload,
		})
	}
	return out, nil
}

func topicPrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return DefaultTopicPrefix
	}
	return prefix
}

// topicSegment keeps wildcards and separators out of a single level.
func topicSegment(s string) string {
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
}

func randomClientID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "homeconnect"
	}
	return "homeconnect-" + hex.EncodeToString(buf)
}

var (
	published = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "homeconnect_mqtt_published_total",
		Help: "MQTT state messages published",
	})
	publishFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "homeconnect_mqtt_publish_failures_total",
		Help: "MQTT publishes that failed or timed out",
	})
)

func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{published, publishFailures}
}
