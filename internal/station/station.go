// Package station maintains the "heard" table: which stations have been
// observed, how often, and via which path most recently.
package station

import (
	"strconv"
	"strings"
	"time"
)

// Station is one heard-table entry.
type Station struct {
	Call        string
	LastHeard   time.Time
	HasHeard    bool
	HeardCount  int
	LastViaPath []string
}

// Identity returns the uppercased display form (callsign with optional
// -SSID), the canonical key for the heard table.
func Identity(call string, ssid uint8) string {
	call = strings.ToUpper(strings.TrimSpace(call))
	if ssid == 0 {
		return call
	}
	return call + "-" + strconv.Itoa(int(ssid))
}

// Tracker derives a heard table from observed packet sources.
type Tracker struct {
	stations map[string]*Station
}

// NewTracker constructs an empty heard table.
func NewTracker() *Tracker {
	return &Tracker{stations: make(map[string]*Station)}
}

// Observe records that identity was heard at t via the given path.
func (tr *Tracker) Observe(identity string, t time.Time, via []string) {
	s, ok := tr.stations[identity]
	if !ok {
		s = &Station{Call: identity}
		tr.stations[identity] = s
	}
	s.LastHeard = t
	s.HasHeard = true
	s.HeardCount++
	s.LastViaPath = via
}

// Lookup returns the current record for identity, if any.
func (tr *Tracker) Lookup(identity string) (Station, bool) {
	s, ok := tr.stations[identity]
	if !ok {
		return Station{}, false
	}
	return *s, true
}

// All returns a snapshot of every tracked station.
func (tr *Tracker) All() []Station {
	out := make([]Station, 0, len(tr.stations))
	for _, s := range tr.stations {
		out = append(out, *s)
	}
	return out
}
