package homeconnect

import "testing"

func TestParseEventUsesStreamID(t *testing.T) {
	ev := Event{
		Name: EventNotify,
		ID:   "BOSCH-WAT286-1",
		Data: `{"items":[{"uri":"/api/homeappliances/OTHER/status/x","key":"BSH.Common.Option.ProgramProgress","value":42}]}`,
	}
	haID, items, err := ParseEvent(ev)
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if haID != "BOSCH-WAT286-1" {
		t.Fatalf("unexpected haId: %s", haID)
	}
	if len(items) != 1 || items[0].Key != "BSH.Common.Option.ProgramProgress" || items[0].Value.(float64) != 42 {
		t.Fatalf("unexpected items: %+v", items)
	}
}

func TestParseEventFallsBackToURI(t *testing.T) {
	ev := Event{
		Name: EventStatus,
		Data: `{"items":[{"uri":"/api/homeappliances/SIEMENS-HB676-1/status/BSH.Common.Status.DoorState","key":"BSH.Common.Status.DoorState","value":"BSH.Common.EnumType.DoorState.Open"}]}`,
	}
	haID, _, err := ParseEvent(ev)
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if haID != "SIEMENS-HB676-1" {
		t.Fatalf("unexpected haId: %q", haID)
	}
}

func TestParseEventRejectsGarbage(t *testing.T) {
	if _, _, err := ParseEvent(Event{Name: EventStatus, Data: "{not json"}); err == nil {
		t.Fatalf("expected decode error")
	}
	haID, items, err := ParseEvent(Event{Name: EventDisconnected, ID: "HA"})
	if err != nil || haID != "HA" || len(items) != 0 {
		t.Fatalf("unexpected empty event parse: %q %v %v", haID, items, err)
	}
}

func TestApplianceIDFromURI(t *testing.T) {
	cases := map[string]string{
		"/api/homeappliances/HA1/status/BSH.Common.Status.DoorState": "HA1",
		"/api/homeappliances/HA1":                                   "HA1",
		"/api/other/HA1/status":                                     "",
		"":                                                          "",
	}
	for uri, want := range cases {
		if got := ApplianceIDFromURI(uri); got != want {
			t.Fatalf("%q: expected %q, got %q", uri, want, got)
		}
	}
}
