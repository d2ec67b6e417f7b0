package model

import "time"

// LogEntry is one row of the ingested log corpus that diagnostic tools
// query against.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Service string    `json:"service"`
	Message string    `json:"message"`
}
