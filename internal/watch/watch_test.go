package watch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	events []Event
}

func (n *recordingNotifier) Notify(e Event) { n.events = append(n.events, e) }

func TestMatcherMatchesByCallsign(t *testing.T) {
	notifier := &recordingNotifier{}
	m := NewMatcher([]Rule{{ID: "r1", Call: "N0CALL-1"}}, notifier)

	hits := m.Observe("N0CALL-1", "APRS", "hello", time.Unix(0, 0))
	require.Len(t, hits, 1)
	require.Len(t, notifier.events, 1)
	assert.Equal(t, "r1", notifier.events[0].Rule.ID)
}

func TestMatcherMatchesByKeyword(t *testing.T) {
	m := NewMatcher([]Rule{{ID: "weather", Keyword: "storm"}}, nil)
	hits := m.Observe("K0EPI", "CQ", "severe STORM warning", time.Unix(0, 0))
	require.Len(t, hits, 1)
}

func TestMatcherNoMatchWhenNeitherFieldSet(t *testing.T) {
	m := NewMatcher([]Rule{{ID: "empty"}}, nil)
	hits := m.Observe("K0EPI", "CQ", "anything", time.Unix(0, 0))
	assert.Empty(t, hits)
}

func TestMatcherRecordsEventsAcrossCalls(t *testing.T) {
	m := NewMatcher([]Rule{{ID: "r1", Call: "N0CALL"}}, nil)
	m.Observe("N0CALL", "CQ", "a", time.Unix(0, 0))
	m.Observe("N0CALL", "CQ", "b", time.Unix(1, 0))
	assert.Len(t, m.Events(), 2)
}
