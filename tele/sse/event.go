package sse

import (
	"strconv"
	"time"

	r3sse "github.com/r3labs/sse/v2"
)

const DefaultEventName = "message"

// Event is one dispatched text/event-stream event.
type Event struct {
	Name     string
	Data     string
	ID       string
	Received time.Time
}

// newEvent returns false for events without data, those only carry id or retry.
func newEvent(msg *r3sse.Event, now time.Time) (Event, bool) {
	if len(msg.Data) == 0 {
		return Event{}, false
	}
	e := Event{
		Name:     string(msg.Event),
		Data:     string(msg.Data),
		ID:       string(msg.ID),
		Received: now,
	}
	if e.Name == "" {
		e.Name = DefaultEventName
	}
	return e, true
}

// retryOf parses server reconnect delay in milliseconds, 0 if absent or invalid.
func retryOf(msg *r3sse.Event) time.Duration {
	if len(msg.Retry) == 0 {
		return 0
	}
	ms, err := strconv.ParseUint(string(msg.Retry), 10, 32)
	if err != nil {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
