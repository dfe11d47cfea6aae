package engine

import "time"

// Packet is the decoded runtime record fanned out to every downstream
// consumer (spec §3). It is immutable after construction.
type Packet struct {
	ID           uint64
	Timestamp    time.Time
	From, To     string
	Via          []string
	FrameType    string
	Control      byte
	ControlByte1 *byte
	PID          *byte
	Info         []byte
	RawBytes     []byte
	Endpoint     string
}
