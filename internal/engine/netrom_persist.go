package engine

import (
	"encoding/json"
	"time"

	"github.com/axterm/axterm/internal/netrom"
	"github.com/axterm/axterm/internal/persist"
)

// toPersistSnapshot/fromPersistSnapshot adapt netrom.Engine's in-memory
// Snapshot to persist.NetromSnapshot's opaque-blob storage shape (spec
// §4.7/§4.8). JSON is used purely as the blob encoding at this one
// serialization boundary — no wire protocol or domain codec in the
// reference pool covers ad hoc struct persistence, so this is the one
// place the module falls back to the standard library (see DESIGN.md).
func toPersistSnapshot(s netrom.Snapshot, lastPacketID uint64, at time.Time) persist.NetromSnapshot {
	neighbors, _ := json.Marshal(s.Neighbors)
	routes, _ := json.Marshal(s.Routes)
	links, _ := json.Marshal(s.Links)
	return persist.NetromSnapshot{
		Neighbors:         neighbors,
		Routes:            routes,
		Links:             links,
		LastPacketID:      lastPacketID,
		SnapshotTimestamp: at,
	}
}

func fromPersistSnapshot(p persist.NetromSnapshot) netrom.Snapshot {
	var s netrom.Snapshot
	_ = json.Unmarshal(p.Neighbors, &s.Neighbors)
	_ = json.Unmarshal(p.Routes, &s.Routes)
	_ = json.Unmarshal(p.Links, &s.Links)
	return s
}
