package homeconnect

// Appliance is one entry of GET /api/homeappliances.
type Appliance struct {
	HaID      string `json:"haId"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	Brand     string `json:"brand"`
	VIB       string `json:"vib,omitempty"`
	ENumber   string `json:"enumber,omitempty"`
	Connected bool   `json:"connected"`
}

// Item is a key/value pair from a status list, a settings list or a push
// event.
type Item struct {
	Key       string `json:"key"`
	Value     any    `json:"value"`
	URI       string `json:"uri,omitempty"`
	Unit      string `json:"unit,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Level     string `json:"level,omitempty"`
	Handling  string `json:"handling,omitempty"`
}

type appliancesResponse struct {
	Data struct {
		HomeAppliances []Appliance `json:"homeappliances"`
	} `json:"data"`
}

type statusResponse struct {
	Data struct {
		Status []Item `json:"status"`
	} `json:"data"`
}

type settingsResponse struct {
	Data struct {
		Settings []Item `json:"settings"`
	} `json:"data"`
}

type errorResponse struct {
	Error struct {
		Key         string `json:"key"`
		Description string `json:"description"`
	} `json:"error"`
}
