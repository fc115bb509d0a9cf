// Package model defines the core data structures shared across pipeline stages.
package model

import (
	"time"

	"github.com/paulmach/orb"
)

// Event type strings as they appear in the simulation event log.
const (
	EventEnterLink     = "EnterLink"
	EventLeaveLink     = "LeaveLink"
	EventActivityStart = "ActivityStart"
	EventActivityEnd   = "ActivityEnd"
)

// Event is a single simulation occurrence parsed from the event log.
// Time is in seconds from simulation start. Link is empty for events that are
// not bound to a network link (activities, traffic entry, ...).
type Event struct {
	Type   string
	Time   float64
	Person string
	Link   string
	Attrs  map[string]string
}

// IsLinkEvent reports whether the event type references a network link.
func (e *Event) IsLinkEvent() bool {
	return e.Type == EventEnterLink || e.Type == EventLeaveLink
}

// Reset clears the event for reuse.
func (e *Event) Reset() {
	e.Type = ""
	e.Time = 0
	e.Person = ""
	e.Link = ""
	e.Attrs = nil
}

// FilteredEvent is one row of the intermediate store: the subset of Event
// fields the interpolator needs, plus the index of the time interval that
// admitted the event. Records are immutable once written.
type FilteredEvent struct {
	Person     string
	Type       string
	Time       float64
	Link       string
	IntervalID int32
}

// Link is a directed network edge. Links are owned by the network cache and
// read-only to every consumer after load.
type Link struct {
	ID        string
	From      string
	To        string
	Length    float64 // meters
	Freespeed float64 // m/s
	Geometry  orb.LineString
}

// Sample is one interpolated output point. Link is empty while the agent is
// performing a stationary activity. Speed is the freespeed fraction
// (length/duration)/freespeed, or a negative value when undefined.
type Sample struct {
	Person  string
	Time    float64 // seconds from simulation start
	Point   orb.Point
	Bearing float64 // degrees, [0, 360)
	Link    string
	Speed   float64
}

// TimestampBase is the calendar date that simulation second zero maps to in
// the rendered output.
var TimestampBase = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Timestamp renders simulation seconds as "YYYY/MM/DD HH:MM:SS".
func Timestamp(seconds float64) string {
	return TimestampBase.Add(time.Duration(int64(seconds)) * time.Second).Format("2006/01/02 15:04:05")
}
