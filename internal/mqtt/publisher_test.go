package mqtt

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/joshp123/homeconnect/internal/devices"
)

type doneToken struct{ done chan struct{} }

func newDoneToken() doneToken {
	ch := make(chan struct{})
	close(ch)
	return doneToken{done: ch}
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{}          { return t.done }
func (t doneToken) Error() error                   { return nil }

type recordingClient struct {
	mu   sync.Mutex
	msgs []Message
	kept []bool
}

func (c *recordingClient) Publish(topic string, _ byte, retained bool, payload interface{}) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, Message{Topic: topic, Payload: payload.([]byte)})
	c.kept = append(c.kept, retained)
	return newDoneToken()
}

func TestMessagesTopicsAndPayload(t *testing.T) {
	progress := 40
	msgs, err := Messages("/home/kitchen/", []devices.Device{
		{ID: "SIEMENS-HB1/23", Name: "Oven", DoorState: devices.DoorOpen, ProgramProgress: &progress},
		{Name: "no id"},
	})
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Topic != "home/kitchen/SIEMENS-HB1_23/state" {
		t.Fatalf("unexpected topic %q", msgs[0].Topic)
	}
	var body map[string]any
	if err := json.Unmarshal(msgs[0].Payload, &body); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if body["haId"] != "SIEMENS-HB1/23" || body["DoorOpen"] != true || body["ProgramProgress"] != float64(40) {
		t.Fatalf("unexpected payload: %v", body)
	}
}

func TestPublishSnapshotRetainsEachDevice(t *testing.T) {
	client := &recordingClient{}
	p := newPublisher(client, "", zerolog.Nop())

	p.PublishSnapshot([]devices.Device{{ID: "A", Name: "Dishwasher"}, {ID: "B", Name: "Oven"}})

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.msgs) != 2 {
		t.Fatalf("expected 2 publishes, got %d", len(client.msgs))
	}
	if client.msgs[0].Topic != "homeconnect/A/state" || client.msgs[1].Topic != "homeconnect/B/state" {
		t.Fatalf("unexpected topics: %+v", client.msgs)
	}
	for i, retained := range client.kept {
		if !retained {
			t.Fatalf("message %d not retained", i)
		}
	}
}
