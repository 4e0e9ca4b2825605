package dispatch

import "stackchan/internal/command"

// Status is the JSON snapshot served by /api/status and pushed to observers.
type Status struct {
	Mode           string `json:"mode"`
	WiFiConnected  bool   `json:"wifi_connected"`
	BLEEnabled     bool   `json:"ble_enabled"`
	BLEConnected   bool   `json:"ble_connected"`
	IPAddress      string `json:"ip_address"`
	CurrentMessage string `json:"current_message"`
	Expression     int    `json:"expression"`
	ColorIndex     int    `json:"color_index"`
	FreeHeap       uint64 `json:"free_heap"`
	Uptime         int64  `json:"uptime"`
	UserSet        bool   `json:"user_set"`
	Degraded       bool   `json:"degraded"`
}

// Result is what every Apply or Handle call returns. Err is nil,
// command.ErrInvalidParameter (wrapped), command.ErrUnknownRoute or ErrNotInitialized.
type Result struct {
	Command command.Command
	Err     error
	Message string
	Status  Status
}
