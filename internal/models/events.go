package models

import (
	"time"
)

// EventType 事件类型
type EventType string

const (
	EventAccepted EventType = "accepted"
	EventProgress EventType = "progress"
	EventDone     EventType = "done"
	EventError    EventType = "error"
)

// Terminal reports whether the event ends a document's stream.
func (t EventType) Terminal() bool {
	return t == EventDone || t == EventError
}

// ConversionEvent is one entry in a document's ordered, append-only
// lifecycle record. Seq is strictly increasing per document.
type ConversionEvent struct {
	DocumentID string    `json:"documentId"`
	Seq        int64     `json:"seq"`
	Type       EventType `json:"type"`
	Stage      string    `json:"stage,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Location   string    `json:"location,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
