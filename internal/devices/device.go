package devices

import "encoding/json"

type PowerState string

const (
	PowerOn      PowerState = "On"
	PowerStandby PowerState = "Standby"
	PowerOff     PowerState = "Off"
)

type DoorState string

const (
	DoorOpen   DoorState = "Open"
	DoorClosed DoorState = "Closed"
	DoorLocked DoorState = "Locked"
)

// Device is the latest known state of one appliance. Empty enums and nil
// pointers mean the value has not been reported yet.
type Device struct {
	ID        string
	Name      string
	Type      string
	Brand     string
	Connected bool

	PowerState           PowerState
	DoorState            DoorState
	Lighting             *bool
	RemainingProgramTime *int
	ProgramProgress      *int
}

type deviceJSON struct {
	ID                   string     `json:"haId"`
	Name                 string     `json:"name"`
	Type                 string     `json:"type"`
	Brand                string     `json:"brand"`
	Connected            bool       `json:"connected"`
	PowerState           PowerState `json:"PowerState,omitempty"`
	DoorState            DoorState  `json:"DoorState,omitempty"`
	DoorOpen             bool       `json:"DoorOpen"`
	Lighting             *bool      `json:"Lighting,omitempty"`
	RemainingProgramTime *int       `json:"RemainingProgramTime,omitempty"`
	ProgramProgress      *int       `json:"ProgramProgress,omitempty"`
}

// MarshalJSON renders the shape front-ends consume.
func (d Device) MarshalJSON() ([]byte, error) {
	return json.Marshal(deviceJSON{
		ID:                   d.ID,
		Name:                 d.Name,
		Type:                 d.Type,
		Brand:                d.Brand,
		Connected:            d.Connected,
		PowerState:           d.PowerState,
		DoorState:            d.DoorState,
		DoorOpen:             d.DoorState == DoorOpen,
		Lighting:             d.Lighting,
		RemainingProgramTime: d.RemainingProgramTime,
		ProgramProgress:      d.ProgramProgress,
	})
}

// Clone copies d without sharing pointer fields.
func (d Device) Clone() Device {
	out := d
	if d.Lighting != nil {
		v := *d.Lighting
		out.Lighting = &v
	}
	if d.RemainingProgramTime != nil {
		v := *d.RemainingProgramTime
		out.RemainingProgramTime = &v
	}
	if d.ProgramProgress != nil {
		v := *d.ProgramProgress
		out.ProgramProgress = &v
	}
	return out
}
