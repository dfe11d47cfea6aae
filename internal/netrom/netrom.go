// Package netrom passively infers a NET/ROM-style routing topology —
// neighbors, routes, and per-link quality — from observed AX.25 traffic. No
// NET/ROM routing broadcasts are emitted; this is observation only.
package netrom

import (
	"math"
	"time"
)

// Source records how a neighbor observation was derived.
type Source int

const (
	SourceDirectHeard Source = iota
	SourceInferredVia
	SourceRoutingBroadcast
)

// Mode selects how much credit digipeaters in a via-path receive.
type Mode int

const (
	// DirectOnly credits only the immediate source of a packet.
	DirectOnly Mode = iota
	// Hybrid also credits repeated digipeaters in the via-path, at
	// decayed quality relative to their position.
	Hybrid
)

// Neighbor is a directly or indirectly observed station.
type Neighbor struct {
	Call     string
	Quality  uint8 // 0-255
	LastSeen time.Time
	Source   Source
}

// Route is an inferred path to a destination via an origin neighbor.
type Route struct {
	Destination string
	Origin      string
	Quality     uint8
	HopCount    int
	LastUpdated time.Time
}

// LinkStat tracks observed quality between two adjacent stations in a
// via-path.
type LinkStat struct {
	From          string
	To            string
	Quality       uint8
	LastUpdated   time.Time
	ObservedCount int
	DropCount     int
}

type routeKey struct{ destination, origin string }
type linkKey struct{ from, to string }

// Config tunes the inference engine's policy knobs.
type Config struct {
	Mode Mode
	// Alpha is the EWMA smoothing factor for direct-neighbor quality
	// updates, in (0,1]; higher weighs new observations more heavily.
	Alpha float64
	// DecayPerHop scales quality credited to digipeaters by position in
	// the via-path: quality_base * DecayPerHop^(i-1).
	DecayPerHop float64
	// StaleAfter is the retention-facing purge threshold: entries not
	// updated within this window are dropped at snapshot time. This is
	// deliberately a configurable policy rather than a reverse-engineered
	// formula (see Open Questions).
	StaleAfter time.Duration
}

// DefaultConfig mirrors conventional AX.25 monitoring defaults.
func DefaultConfig() Config {
	return Config{
		Mode:        Hybrid,
		Alpha:       0.3,
		DecayPerHop: 0.7,
		StaleAfter:  7 * 24 * time.Hour,
	}
}

// Engine is the passive route/neighbor/link-quality inference engine.
type Engine struct {
	cfg Config

	neighbors map[string]Neighbor
	routes    map[routeKey]Route
	links     map[linkKey]LinkStat
}

// NewEngine constructs an empty inference engine.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		cfg:       cfg,
		neighbors: make(map[string]Neighbor),
		routes:    make(map[routeKey]Route),
		links:     make(map[linkKey]LinkStat),
	}
}

// DigiHop describes one via-path entry as observed on the wire.
type DigiHop struct {
	Call     string
	Repeated bool
}

// Observe feeds one decoded packet's routing-relevant fields into the
// inference engine at time t, per spec §4.7.
func (e *Engine) Observe(t time.Time, from, to string, path []DigiHop) {
	firstRepeated := ""
	hops := 0
	prevDigi := ""

	for i, hop := range path {
		if !hop.Repeated {
			continue
		}
		hops++
		if firstRepeated == "" {
			// Full credit for the first repeated digi happens below; only
			// later digis receive the decayed credit here.
			firstRepeated = hop.Call
		} else if e.cfg.Mode == Hybrid {
			decay := math.Pow(e.cfg.DecayPerHop, float64(i))
			e.creditNeighbor(hop.Call, t, decay, SourceInferredVia)
		}
		// Link stats cover only digi-to-digi edges; the source's own hop
		// to the first digi is not an observed link.
		if e.cfg.Mode == Hybrid && prevDigi != "" {
			e.updateLinkStat(prevDigi, hop.Call, t)
		}
		prevDigi = hop.Call
	}

	// Exactly one station receives full-quality credit, in both modes:
	// the first repeated digipeater when the frame was relayed, otherwise
	// the source itself. A relayed source was not heard directly and gets
	// no neighbor entry of its own.
	if firstRepeated != "" {
		e.creditNeighbor(firstRepeated, t, 1.0, SourceInferredVia)
	} else {
		e.creditNeighbor(from, t, 1.0, SourceDirectHeard)
	}

	origin := from
	if firstRepeated != "" {
		origin = firstRepeated
	}
	e.updateRoute(to, origin, hops, t)
}

func (e *Engine) creditNeighbor(call string, t time.Time, weightFraction float64, src Source) {
	full := 255.0 * weightFraction
	cur, ok := e.neighbors[call]
	q := full
	if ok {
		q = ewma(float64(cur.Quality), full, e.cfg.Alpha)
	}
	e.neighbors[call] = Neighbor{Call: call, Quality: clampQuality(q), LastSeen: t, Source: src}
}

func (e *Engine) updateLinkStat(from, to string, t time.Time) {
	k := linkKey{from, to}
	cur := e.links[k]
	cur.From, cur.To = from, to
	cur.Quality = clampQuality(ewma(float64(cur.Quality), 255, e.cfg.Alpha))
	cur.LastUpdated = t
	cur.ObservedCount++
	e.links[k] = cur
}

func (e *Engine) updateRoute(destination, origin string, hopCount int, t time.Time) {
	k := routeKey{destination, origin}
	quality, ok := e.neighbors[origin]
	q := uint8(255)
	if ok {
		q = quality.Quality
	}
	e.routes[k] = Route{
		Destination: destination,
		Origin:      origin,
		Quality:     q,
		HopCount:    hopCount,
		LastUpdated: t,
	}
}

func ewma(prev, sample, alpha float64) float64 {
	return prev*(1-alpha) + sample*alpha
}

func clampQuality(q float64) uint8 {
	if q < 0 {
		return 0
	}
	if q > 255 {
		return 255
	}
	return uint8(q)
}

// Neighbors returns a snapshot of all known neighbors.
func (e *Engine) Neighbors() []Neighbor {
	out := make([]Neighbor, 0, len(e.neighbors))
	for _, n := range e.neighbors {
		out = append(out, n)
	}
	return out
}

// Routes returns a snapshot of all inferred routes.
func (e *Engine) Routes() []Route {
	out := make([]Route, 0, len(e.routes))
	for _, r := range e.routes {
		out = append(out, r)
	}
	return out
}

// LinkStats returns a snapshot of all tracked link quality stats.
func (e *Engine) LinkStats() []LinkStat {
	out := make([]LinkStat, 0, len(e.links))
	for _, l := range e.links {
		out = append(out, l)
	}
	return out
}

// Purge drops entries not updated within cfg.StaleAfter as of now, called
// periodically and at snapshot-save time. UI staleness uses a separate,
// longer TTL applied by the consumer — persistence never filters on it.
func (e *Engine) Purge(now time.Time) {
	for k, n := range e.neighbors {
		if now.Sub(n.LastSeen) > e.cfg.StaleAfter {
			delete(e.neighbors, k)
		}
	}
	for k, r := range e.routes {
		if now.Sub(r.LastUpdated) > e.cfg.StaleAfter {
			delete(e.routes, k)
		}
	}
	for k, l := range e.links {
		if now.Sub(l.LastUpdated) > e.cfg.StaleAfter {
			delete(e.links, k)
		}
	}
}

// Snapshot is the persistable form of the engine's inferred state.
type Snapshot struct {
	Neighbors []Neighbor
	Routes    []Route
	Links     []LinkStat
}

// Snapshot captures the engine's current state for persistence.
func (e *Engine) Snapshot() Snapshot {
	return Snapshot{Neighbors: e.Neighbors(), Routes: e.Routes(), Links: e.LinkStats()}
}

// LoadSnapshot replaces the engine's state with a previously saved
// snapshot, unconditionally and without decay — the UI decides what to
// show given each entry's LastSeen/LastUpdated.
func (e *Engine) LoadSnapshot(s Snapshot) {
	e.neighbors = make(map[string]Neighbor, len(s.Neighbors))
	for _, n := range s.Neighbors {
		e.neighbors[n.Call] = n
	}
	e.routes = make(map[routeKey]Route, len(s.Routes))
	for _, r := range s.Routes {
		e.routes[routeKey{r.Destination, r.Origin}] = r
	}
	e.links = make(map[linkKey]LinkStat, len(s.Links))
	for _, l := range s.Links {
		e.links[linkKey{l.From, l.To}] = l
	}
}
