package api

import "time"

// DashboardEvent wraps every event broadcast to connected WebSocket clients.
type DashboardEvent struct {
	Type      string      `json:"type"` // "snapshot"
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}
