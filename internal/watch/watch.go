// Package watch implements rule-based callsign/keyword matching over
// observed packets, with notification dispatch scheduled through an
// injected Notifier.
package watch

import (
	"strings"
	"time"
)

// Rule matches packets by callsign (exact, case-insensitive) and/or a
// keyword substring in the info text. A zero-value field is not matched
// against.
type Rule struct {
	ID      string
	Call    string
	Keyword string
}

func (r Rule) matches(from, to, text string) bool {
	if r.Call != "" {
		call := strings.ToUpper(r.Call)
		if !strings.EqualFold(from, call) && !strings.EqualFold(to, call) {
			return false
		}
	}
	if r.Keyword != "" && !strings.Contains(strings.ToLower(text), strings.ToLower(r.Keyword)) {
		return false
	}
	return r.Call != "" || r.Keyword != ""
}

// Event is one rule match, ready for notification dispatch.
type Event struct {
	Rule      Rule
	From, To  string
	Text      string
	MatchedAt time.Time
}

// Notifier schedules an OS-level notification for a match; the watch
// matcher never performs scheduling itself (spec §1's external-collaborator
// boundary).
type Notifier interface {
	Notify(Event)
}

// Matcher evaluates every configured rule against each observed packet.
type Matcher struct {
	rules    []Rule
	notifier Notifier
	events   []Event
}

// NewMatcher constructs a Matcher with the given rules and notification
// sink. notifier may be nil to record matches without dispatching.
func NewMatcher(rules []Rule, notifier Notifier) *Matcher {
	return &Matcher{rules: append([]Rule(nil), rules...), notifier: notifier}
}

// SetRules replaces the active rule set.
func (m *Matcher) SetRules(rules []Rule) {
	m.rules = append([]Rule(nil), rules...)
}

// Observe evaluates all rules against one packet's routing fields and text,
// recording and dispatching a notification for every hit.
func (m *Matcher) Observe(from, to, text string, at time.Time) []Event {
	var hits []Event
	for _, r := range m.rules {
		if r.matches(from, to, text) {
			ev := Event{Rule: r, From: from, To: to, Text: text, MatchedAt: at}
			hits = append(hits, ev)
			m.events = append(m.events, ev)
			if m.notifier != nil {
				m.notifier.Notify(ev)
			}
		}
	}
	return hits
}

// Events returns every recorded match since construction.
func (m *Matcher) Events() []Event {
	return append([]Event(nil), m.events...)
}
