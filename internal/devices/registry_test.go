package devices

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func seeded() *Registry {
	r := NewRegistry()
	r.UpsertFromSnapshot(Device{ID: "HA1", Name: "Oven", Type: "Oven", Brand: "Siemens", Connected: true})
	r.UpsertFromSnapshot(Device{ID: "HA2", Name: "Dishwasher", Type: "Dishwasher", Brand: "Bosch", Connected: true})
	return r
}

func TestApplyEventMutators(t *testing.T) {
	r := seeded()

	steps := []struct {
		key   string
		value any
	}{
		{"BSH.Common.Setting.PowerState", "BSH.Common.EnumType.PowerState.On"},
		{"BSH.Common.Status.DoorState", "BSH.Common.EnumType.DoorState.Open"},
		{"Cooking.Common.Setting.Lighting", true},
		{"BSH.Common.Option.RemainingProgramTime", float64(1800)},
		{"BSH.Common.Option.ProgramProgress", float64(140)},
	}
	for _, step := range steps {
		if !r.ApplyEvent("HA1", step.key, step.value) {
			t.Fatalf("%s did not change the device", step.key)
		}
	}

	d, _ := r.Get("HA1")
	if d.PowerState != PowerOn || d.DoorState != DoorOpen {
		t.Fatalf("unexpected enums: %+v", d)
	}
	if d.Lighting == nil || !*d.Lighting {
		t.Fatalf("lighting not set")
	}
	if *d.RemainingProgramTime != 1800 {
		t.Fatalf("unexpected remaining time: %d", *d.RemainingProgramTime)
	}
	if *d.ProgramProgress != 100 {
		t.Fatalf("progress not clamped: %d", *d.ProgramProgress)
	}

	if !r.ApplyEvent("HA1", "BSH.Common.Status.OperationState", "BSH.Common.EnumType.OperationState.Finished") {
		t.Fatalf("finished did not change the device")
	}
	d, _ = r.Get("HA1")
	if *d.RemainingProgramTime != 0 {
		t.Fatalf("finished did not zero remaining time: %d", *d.RemainingProgramTime)
	}
	if r.ApplyEvent("HA1", "BSH.Common.Status.OperationState", "BSH.Common.EnumType.OperationState.Run") {
		t.Fatalf("non-finished operation state changed the device")
	}
	if r.ApplyEvent("HA1", "BSH.Common.Setting.PowerState", "BSH.Common.EnumType.PowerState.MainsOff") {
		t.Fatalf("unknown power state changed the device")
	}
	d, _ = r.Get("HA1")
	if d.PowerState != PowerOn {
		t.Fatalf("unknown power state overwrote value: %s", d.PowerState)
	}
}

func TestApplyEventUnknownKeyLeavesDeviceUnchanged(t *testing.T) {
	r := seeded()
	r.ApplyEvent("HA1", "BSH.Common.Status.DoorState", "BSH.Common.EnumType.DoorState.Closed")
	before, _ := r.Get("HA1")
	beforeJSON, _ := json.Marshal(before)

	if r.ApplyEvent("HA1", "BSH.Common.Root.SelectedProgram", "Cooking.Oven.Program.HeatingMode.HotAir") {
		t.Fatalf("unknown key reported a change")
	}
	if r.ApplyEvent("HA1", "BSH.Common.Option.ProgramProgress", "not a number") {
		t.Fatalf("bad value reported a change")
	}
	after, _ := r.Get("HA1")
	afterJSON, _ := json.Marshal(after)
	if string(beforeJSON) != string(afterJSON) || !reflect.DeepEqual(before, after) {
		t.Fatalf("device changed: %s -> %s", beforeJSON, afterJSON)
	}
}

func TestApplyEventUnknownDevice(t *testing.T) {
	r := seeded()
	if r.ApplyEvent("missing", "BSH.Common.Option.ProgramProgress", float64(10)) {
		t.Fatalf("event for unknown device applied")
	}
	if r.Len() != 2 {
		t.Fatalf("unknown device created a record")
	}
}

func TestSortedSnapshot(t *testing.T) {
	r := seeded()
	r.UpsertFromSnapshot(Device{ID: "HA3", Name: "Coffee"})

	snapshot := r.SortedSnapshot()
	var names []string
	for _, d := range snapshot {
		names = append(names, d.Name)
	}
	if strings.Join(names, ",") != "Coffee,Dishwasher,Oven" {
		t.Fatalf("unexpected order: %v", names)
	}

	snapshot[0].Name = "mutated"
	if d, _ := r.Get("HA3"); d.Name != "Coffee" {
		t.Fatalf("snapshot aliases registry state")
	}
}

func TestUpsertReplacesRecord(t *testing.T) {
	r := seeded()
	r.ApplyEvent("HA1", "BSH.Common.Option.ProgramProgress", float64(50))
	r.UpsertFromSnapshot(Device{ID: "HA1", Name: "Oven", Connected: false})

	d, _ := r.Get("HA1")
	if d.ProgramProgress != nil || d.Connected {
		t.Fatalf("upsert kept previous fields: %+v", d)
	}
	if !r.SetConnected("HA1", true) || r.SetConnected("HA1", true) {
		t.Fatalf("unexpected SetConnected results")
	}

	r.Reset()
	if r.Len() != 0 {
		t.Fatalf("reset left devices")
	}
}

func TestDeviceJSONShape(t *testing.T) {
	progress := 42
	d := Device{ID: "HA1", Name: "Oven", Type: "Oven", Brand: "Siemens", Connected: true, DoorState: DoorOpen, ProgramProgress: &progress}
	data, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["haId"] != "HA1" || got["DoorOpen"] != true || got["DoorState"] != "Open" || got["ProgramProgress"] != float64(42) {
		t.Fatalf("unexpected json: %s", data)
	}
	if _, ok := got["Lighting"]; ok {
		t.Fatalf("unset lighting rendered: %s", data)
	}
}

func TestMetricsCollector(t *testing.T) {
	r := seeded()
	r.ApplyEvent("HA1", "BSH.Common.Setting.PowerState", "BSH.Common.EnumType.PowerState.Standby")

	// two connected gauges plus one power gauge
	if n := testutil.CollectAndCount(NewMetricsCollector(r)); n != 3 {
		t.Fatalf("expected 3 metrics, got %d", n)
	}
}
