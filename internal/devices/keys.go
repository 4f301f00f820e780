package devices

import (
	"encoding/json"
	"math"
	"strings"
)

// Key is an appliance event key the registry understands.
type Key int

const (
	KeyUnknown Key = iota
	KeyRemainingProgramTime
	KeyProgramProgress
	KeyOperationState
	KeyLighting
	KeyPowerState
	KeyDoorState
)

var keyNames = map[string]Key{
	"BSH.Common.Option.RemainingProgramTime": KeyRemainingProgramTime,
	"BSH.Common.Option.ProgramProgress":      KeyProgramProgress,
	"BSH.Common.Status.OperationState":       KeyOperationState,
	"Cooking.Common.Setting.Lighting":        KeyLighting,
	"BSH.Common.Setting.PowerState":          KeyPowerState,
	"BSH.Common.Status.DoorState":            KeyDoorState,
}

const operationFinished = "BSH.Common.EnumType.OperationState.Finished"

// ParseKey maps a full event key to a Key, or KeyUnknown.
func ParseKey(key string) Key {
	return keyNames[key]
}

func (k Key) String() string {
	for name, key := range keyNames {
		if key == k {
			return name
		}
	}
	return "unknown"
}

// mutator applies value to d and reports whether d changed.
type mutator func(d *Device, value any) bool

var mutators = [...]mutator{
	KeyUnknown:              nil,
	KeyRemainingProgramTime: setRemainingProgramTime,
	KeyProgramProgress:      setProgramProgress,
	KeyOperationState:       setOperationState,
	KeyLighting:             setLighting,
	KeyPowerState:           setPowerState,
	KeyDoorState:            setDoorState,
}

func mutatorFor(k Key) mutator {
	if k < 0 || int(k) >= len(mutators) {
		return nil
	}
	return mutators[k]
}

func setRemainingProgramTime(d *Device, value any) bool {
	n, ok := toInt(value)
	if !ok {
		return false
	}
	return setInt(&d.RemainingProgramTime, n)
}

func setProgramProgress(d *Device, value any) bool {
	n, ok := toInt(value)
	if !ok {
		return false
	}
	if n < 0 {
		n = 0
	}
	if n > 100 {
		n = 100
	}
	return setInt(&d.ProgramProgress, n)
}

func setOperationState(d *Device, value any) bool {
	if s, _ := value.(string); s != operationFinished {
		return false
	}
	return setInt(&d.RemainingProgramTime, 0)
}

func setLighting(d *Device, value any) bool {
	v, ok := value.(bool)
	if !ok {
		return false
	}
	if d.Lighting != nil && *d.Lighting == v {
		return false
	}
	d.Lighting = &v
	return true
}

func setPowerState(d *Device, value any) bool {
	var state PowerState
	switch enumSuffix(value) {
	case "On":
		state = PowerOn
	case "Standby":
		state = PowerStandby
	case "Off":
		state = PowerOff
	default:
		return false
	}
	if d.PowerState == state {
		return false
	}
	d.PowerState = state
	return true
}

func setDoorState(d *Device, value any) bool {
	var state DoorState
	switch enumSuffix(value) {
	case "Open":
		state = DoorOpen
	case "Closed":
		state = DoorClosed
	case "Locked":
		state = DoorLocked
	default:
		return false
	}
	if d.DoorState == state {
		return false
	}
	d.DoorState = state
	return true
}

func setInt(field **int, n int) bool {
	if *field != nil && **field == n {
		return false
	}
	*field = &n
	return true
}

// enumSuffix returns "On" for "BSH.Common.EnumType.PowerState.On".
func enumSuffix(value any) string {
	s, ok := value.(string)
	if !ok {
		return ""
	}
	if i := strings.LastIndex(s, "."); i >= 0 {
		return s[i+1:]
	}
	return s
}

func toInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return int(math.Round(v)), true
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return int(math.Round(f)), true
	default:
		return 0, false
	}
}
