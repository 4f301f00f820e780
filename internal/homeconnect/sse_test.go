package homeconnect

import (
	"strings"
	"testing"
)

func TestStreamScanner(t *testing.T) {
	stream := strings.Join([]string{
		": comment",
		"event: KEEP-ALIVE",
		"",
		"event: STATUS",
		"id: SIEMENS-HB676-1",
		"data: {\"items\":[",
		"data: ]}",
		"",
		"",
		"event: NOTIFY\r",
		"data: {}\r",
		"\r",
		"data: tail",
	}, "\n")

	scanner := NewStreamScanner(strings.NewReader(stream))
	var events []Event
	for scanner.Next() {
		events = append(events, scanner.Event())
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}

	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d: %+v", len(events), events)
	}
	if events[0].Name != EventKeepAlive || events[0].Data != "" {
		t.Fatalf("unexpected keep-alive: %+v", events[0])
	}
	if events[1].Name != EventStatus || events[1].ID != "SIEMENS-HB676-1" || events[1].Data != "{\"items\":[\n]}" {
		t.Fatalf("unexpected status event: %+v", events[1])
	}
	if events[2].Name != EventNotify || events[2].Data != "{}" {
		t.Fatalf("unexpected notify event: %+v", events[2])
	}
	if events[3].Name != "message" || events[3].Data != "tail" {
		t.Fatalf("unexpected trailing event: %+v", events[3])
	}
}
