package netrom

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHybridCreditUpdatesNeighborsRouteAndLinkStat(t *testing.T) {
	e := NewEngine(DefaultConfig())
	t0 := time.Unix(0, 0)

	path := []DigiHop{
		{Call: "B", Repeated: true},
		{Call: "C", Repeated: true},
	}
	e.Observe(t0, "A", "Z", path)

	neighbors := map[string]Neighbor{}
	for _, n := range e.Neighbors() {
		neighbors[n.Call] = n
	}
	require.Len(t, neighbors, 2, "only the digipeaters are neighbors; the relayed source was not heard directly")
	require.Contains(t, neighbors, "B")
	require.Contains(t, neighbors, "C")
	require.NotContains(t, neighbors, "A")
	assert.Greater(t, neighbors["B"].Quality, neighbors["C"].Quality, "the first digipeater is credited more than later ones")

	links := e.LinkStats()
	require.Len(t, links, 1, "link stats cover digi-to-digi edges only, never source-to-digi")
	assert.Equal(t, "B", links[0].From)
	assert.Equal(t, "C", links[0].To)
	assert.Equal(t, 1, links[0].ObservedCount)

	routes := e.Routes()
	require.Len(t, routes, 1)
	assert.Equal(t, "Z", routes[0].Destination)
	assert.Equal(t, "B", routes[0].Origin)
	assert.Equal(t, 2, routes[0].HopCount)
}

func TestHybridCreditConvergesToEWMAFixedPoint(t *testing.T) {
	e := NewEngine(DefaultConfig())
	path := []DigiHop{{Call: "B", Repeated: true}, {Call: "C", Repeated: true}}

	for i := 0; i < 100; i++ {
		e.Observe(time.Unix(int64(i), 0), "A", "Z", path)
	}

	neighbors := map[string]Neighbor{}
	for _, n := range e.Neighbors() {
		neighbors[n.Call] = n
	}
	// B, the first repeated digipeater, is credited in full each round, so
	// its EWMA fixed point is 255.
	assert.InDelta(t, 255, float64(neighbors["B"].Quality), 3)
}

// DirectOnly mode still applies the full-quality credit to the first
// repeated digi (or the source when the frame was direct); mode only
// suppresses the decayed digipeater credits and link stats.
func TestDirectOnlyCreditsFirstRepeatedDigiOnly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = DirectOnly
	e := NewEngine(cfg)

	path := []DigiHop{{Call: "B", Repeated: true}, {Call: "C", Repeated: true}}
	e.Observe(time.Unix(0, 0), "A", "Z", path)

	neighbors := e.Neighbors()
	require.Len(t, neighbors, 1)
	assert.Equal(t, "B", neighbors[0].Call)
	assert.EqualValues(t, 255, neighbors[0].Quality)
	assert.Empty(t, e.LinkStats())

	e.Observe(time.Unix(1, 0), "A", "Z", nil)
	heardA := false
	for _, n := range e.Neighbors() {
		if n.Call == "A" && n.Source == SourceDirectHeard {
			heardA = true
		}
	}
	assert.True(t, heardA, "a frame heard without repeaters credits the source directly")
}

func TestSnapshotRoundTrip(t *testing.T) {
	e := NewEngine(DefaultConfig())
	path := []DigiHop{{Call: "B", Repeated: true}}
	e.Observe(time.Unix(100, 0), "A", "Z", path)

	snap := e.Snapshot()

	e2 := NewEngine(DefaultConfig())
	e2.LoadSnapshot(snap)

	assert.ElementsMatch(t, snap.Neighbors, e2.Snapshot().Neighbors)
	assert.ElementsMatch(t, snap.Routes, e2.Snapshot().Routes)
	assert.ElementsMatch(t, snap.Links, e2.Snapshot().Links)
}

func TestPurgeDropsStaleEntriesOnly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StaleAfter = time.Hour
	e := NewEngine(cfg)

	e.Observe(time.Unix(0, 0), "OLD", "Z", nil)
	e.Observe(time.Unix(0, 0).Add(2*time.Hour), "FRESH", "Z", nil)

	e.Purge(time.Unix(0, 0).Add(2 * time.Hour))

	var calls []string
	for _, n := range e.Neighbors() {
		calls = append(calls, n.Call)
	}
	assert.ElementsMatch(t, []string{"FRESH"}, calls)
}
