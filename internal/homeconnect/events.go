package homeconnect

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Stream event names.
const (
	EventNotify       = "NOTIFY"
	EventStatus       = "STATUS"
	EventEvent        = "EVENT"
	EventConnected    = "CONNECTED"
	EventDisconnected = "DISCONNECTED"
	EventPaired       = "PAIRED"
	EventDepaired     = "DEPAIRED"
	EventKeepAlive    = "KEEP-ALIVE"
)

// DeviceEvents are the names a device registry follows.
var DeviceEvents = []string{EventNotify, EventStatus, EventEvent, EventConnected, EventDisconnected}

type eventPayload struct {
	HaID  string `json:"haId"`
	Items []Item `json:"items"`
}

// ParseEvent decodes {items:[{uri,key,value}]} and resolves the appliance
// the event belongs to: the SSE id, then the payload haId, then the
// appliance segment of the first item's uri.
func ParseEvent(ev Event) (string, []Item, error) {
	var payload eventPayload
	if strings.TrimSpace(ev.Data) != "" {
		if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil {
			return "", nil, fmt.Errorf("decode %s event: %w", ev.Name, err)
		}
	}

	haID := ev.ID
	if haID == "" {
		haID = payload.HaID
	}
	if haID == "" {
		for _, item := range payload.Items {
			if id := ApplianceIDFromURI(item.URI); id != "" {
				haID = id
				break
			}
		}
	}
	return haID, payload.Items, nil
}

// ApplianceIDFromURI returns the {haId} of /api/homeappliances/{haId}/...
func ApplianceIDFromURI(uri string) string {
	parts := strings.Split(uri, "/")
	if len(parts) < 4 || parts[2] != "homeappliances" {
		return ""
	}
	return parts[3]
}
