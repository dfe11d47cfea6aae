package engine

import (
	"bytes"
	"encoding/hex"
	"errors"

	"github.com/axterm/axterm/internal/ax25"
	"github.com/axterm/axterm/internal/axdp"
	"github.com/axterm/axterm/internal/console"
	"github.com/axterm/axterm/internal/kiss"
	"github.com/axterm/axterm/internal/netrom"
	"github.com/axterm/axterm/internal/persist"
	"github.com/axterm/axterm/internal/session"
)

// maxPackets bounds the in-memory packet buffer (spec §4.6 step 1).
const maxPackets = 5000

// handleRawChunk runs on the executor: record the chunk, feed it through
// the KISS parser, and process every resulting frame.
func (e *Engine) handleRawChunk(chunk []byte) {
	e.recordRawChunk(chunk)
	frames, errs := e.kissParser.Feed(chunk)
	for _, err := range errs {
		e.log.Warn("kiss parse error", "err", err.Error())
	}
	for _, kf := range frames {
		switch kf.Classify() {
		case kiss.KindAX25:
			e.handleAX25Raw(kf.Payload)
		case kiss.KindMobilinkdTelemetry:
			e.handleMobilinkdTelemetry(kf.Payload)
		}
	}
}

func (e *Engine) handleMobilinkdTelemetry(payload []byte) {
	v, err := kiss.DecodeMobilinkdTelemetry(payload)
	if err != nil {
		e.log.Warn("mobilinkd telemetry decode failed", "err", err.Error())
		return
	}
	e.log.Info("mobilinkd telemetry", "value", v)
}

// handleAX25Raw decodes one AX.25 frame and drives it through the intake
// pipeline (spec §4.6).
func (e *Engine) handleAX25Raw(raw []byte) {
	f, err := ax25.Decode(raw)
	if err != nil {
		e.log.Warn("ax25 decode failed", "err", err.Error())
		return
	}

	// Decode is ambiguous about modulo-128 without session context; if a
	// session already exists for this pair and negotiated extended
	// sequencing via a completed SABME/UA exchange, redecode with the
	// known modulus.
	if p, ok := e.peers[f.Source.String()]; ok && p.sess.State() == session.Connected && p.sess.Modulo() == 128 {
		if f2, err2 := ax25.DecodeWithModulo(raw, 128); err2 == nil {
			f = f2
		}
	}

	pkt := e.buildPacket(f, raw)
	e.ingest(pkt, f)
}

func (e *Engine) buildPacket(f ax25.Frame, raw []byte) Packet {
	e.nextPacketID++

	var via []string
	for _, a := range f.Via {
		via = append(via, a.String())
	}

	endpoint := ""
	if e.link != nil {
		endpoint = e.link.EndpointDescription()
	}

	addrBytes := ax25.AddrLen * (2 + len(f.Via))
	var control byte
	var controlByte1 *byte
	if len(raw) > addrBytes {
		control = raw[addrBytes]
		if f.Modulo == 128 && f.Class != ax25.ClassU && len(raw) > addrBytes+1 {
			c1 := raw[addrBytes+1]
			controlByte1 = &c1
		}
	}

	return Packet{
		ID:           e.nextPacketID,
		Timestamp:    e.now(),
		From:         f.Source.String(),
		To:           f.Destination.String(),
		Via:          via,
		FrameType:    frameTypeLabel(f),
		Control:      control,
		ControlByte1: controlByte1,
		PID:          f.PID,
		Info:         f.Info,
		RawBytes:     raw,
		Endpoint:     endpoint,
	}
}

func frameTypeLabel(f ax25.Frame) string {
	switch f.Class {
	case ax25.ClassI:
		return "I"
	case ax25.ClassS:
		switch f.SType {
		case ax25.SRR:
			return "RR"
		case ax25.SRNR:
			return "RNR"
		case ax25.SREJ:
			return "REJ"
		default:
			return "SREJ"
		}
	default:
		switch f.UType {
		case ax25.USABM:
			return "SABM"
		case ax25.USABME:
			return "SABME"
		case ax25.UUA:
			return "UA"
		case ax25.UDM:
			return "DM"
		case ax25.UDISC:
			return "DISC"
		case ax25.UUI:
			return "UI"
		default:
			return "U"
		}
	}
}

// ingest runs the eight-step packet intake pipeline (spec §4.6).
func (e *Engine) ingest(pkt Packet, f ax25.Frame) {
	e.recordFrameStats(pkt)
	e.insertPacket(pkt)          // 1
	e.broadcastPacket(pkt)       // 2
	e.updateStationTracker(pkt)  // 3
	e.runWatchMatcher(pkt)       // 4
	e.feedNetrom(pkt, f)         // 5
	isAXDP := isAXDPFrame(f)     // 6
	suppress := e.routeToSession(f, isAXDP)
	e.appendConsoleLine(pkt, suppress) // 7
	e.persistPacket(pkt)                // 8

	e.packetsSinceSnapshot++
	e.maybeSnapshotNetrom(false)
}

// insertPacket keeps the buffer ascending by timestamp, capped at
// maxPackets, dropping the oldest entry on overflow.
func (e *Engine) insertPacket(pkt Packet) {
	e.packets = append(e.packets, pkt)
	if len(e.packets) > maxPackets {
		e.packets = e.packets[len(e.packets)-maxPackets:]
	}
}

func (e *Engine) broadcastPacket(pkt Packet) {
	for _, ch := range e.packetSubs {
		select {
		case ch <- pkt:
		default:
			// A slow observer drops rather than blocking ingest.
		}
	}
}

func (e *Engine) updateStationTracker(pkt Packet) {
	e.stations.Observe(pkt.From, pkt.Timestamp, pkt.Via)
}

func (e *Engine) runWatchMatcher(pkt Packet) {
	e.watchers.Observe(pkt.From, pkt.To, string(pkt.Info), pkt.Timestamp)
}

func (e *Engine) feedNetrom(pkt Packet, f ax25.Frame) {
	var hops []netrom.DigiHop
	for _, a := range f.Via {
		hops = append(hops, netrom.DigiHop{Call: a.String(), Repeated: a.HasBeenRepeated})
	}
	e.netromEng.Observe(pkt.Timestamp, pkt.From, pkt.To, hops)
}

// isAXDPFrame reports whether f's info payload carries the AXDP magic
// prefix on an I or UI frame (spec §4.6 step 6).
func isAXDPFrame(f ax25.Frame) bool {
	isCarrier := f.Class == ax25.ClassI || (f.Class == ax25.ClassU && f.UType == ax25.UUI)
	if !isCarrier || f.PID == nil || *f.PID != ax25.PIDNoLayer3 {
		return false
	}
	return len(f.Info) >= 4 && bytes.Equal(f.Info[:4], axdp.Magic[:])
}

// routeToSession dispatches a connected-mode frame addressed to this
// station's identity to the matching per-peer session, which in turn
// forwards AXDP-tagged I-frame payloads to the bound axdp.Conn. It reports
// whether the raw console line should be suppressed (spec §4.6 step 7):
// true only for an I-frame, part of our own session, carrying AXDP.
func (e *Engine) routeToSession(f ax25.Frame, isAXDP bool) bool {
	if f.Destination.String() != e.identity.String() {
		return false
	}
	p := e.sessionFor(f.Source)
	p.sess.HandleFrame(f)
	return f.Class == ax25.ClassI && isAXDP
}

func (e *Engine) appendConsoleLine(pkt Packet, suppress bool) {
	if suppress {
		return
	}
	line := e.consoleFd.Append(console.KindPacket, pkt.Timestamp, pkt.From, pkt.To, string(pkt.Info), pkt.Via)
	e.persistConsole(line)
}

func (e *Engine) deliverInfo(p *peer, remote ax25.Address, info []byte, pid byte) {
	if pid == ax25.PIDNoLayer3 && len(info) >= 4 && bytes.Equal(info[:4], axdp.Magic[:]) {
		if err := p.axdp.HandleInfo(info); err != nil {
			e.log.Warn("axdp dispatch failed", "peer", remote.String(), "err", err.Error())
		}
		return
	}
	// Non-AXDP I-frame payload from a connected peer: still a console
	// event, never suppressed (spec §4.6 step 7 only covers AXDP traffic).
	line := e.consoleFd.Append(console.KindPacket, e.now(), remote.String(), e.identity.String(), string(info), nil)
	e.persistConsole(line)
}

func (e *Engine) persistPacket(pkt Packet) {
	if e.store == nil {
		return
	}
	e.store.SavePacket(persist.PacketRecord{
		ID:        pkt.ID,
		Timestamp: pkt.Timestamp,
		From:      pkt.From,
		To:        pkt.To,
		Via:       pkt.Via,
		FrameType: pkt.FrameType,
		Control:   pkt.Control,
		PID:       pkt.PID,
		Info:      pkt.Info,
		Raw:       pkt.RawBytes,
		Endpoint:  pkt.Endpoint,
		CreatedAt: e.now(),
	}, e.cfg.Retention.PacketRetention)
}

func (e *Engine) persistRaw(chunk []byte, endpoint string) {
	if e.store == nil {
		return
	}
	e.store.AppendRaw(persist.RawRecord{
		CreatedAt: e.now(),
		Source:    endpoint,
		Direction: "rx",
		Kind:      "kiss",
		RawHex:    hex.EncodeToString(chunk),
		ByteCount: len(chunk),
	}, e.cfg.Retention.RawRetention)
}

func (e *Engine) persistConsole(line console.Line) {
	if e.store == nil {
		return
	}
	e.store.AppendConsole(persist.ConsoleRecord{
		ID:        line.ID,
		CreatedAt: line.Timestamp,
		Category:  "packet",
		Message:   line.Text,
		ByteCount: len(line.Text),
	}, e.cfg.Retention.ConsoleRetention)
}

// maybeSnapshotNetrom saves the NET/ROM topology when the 500-packet
// threshold is reached, or unconditionally when force is true (the
// 60-second ticker and shutdown both force a save; spec §4.7).
func (e *Engine) maybeSnapshotNetrom(force bool) {
	if !force && e.packetsSinceSnapshot < snapshotPacketCount {
		return
	}
	e.netromEng.Purge(e.now())
	snap := e.netromEng.Snapshot()
	if e.store != nil {
		e.store.SaveNetromSnapshot(toPersistSnapshot(snap, e.nextPacketID, e.now()))
	}
	e.packetsSinceSnapshot = 0
	e.lastSnapshotAt = e.now()
}

var errNoStore = errors.New("engine: persistence store not configured")

func (e *Engine) loadNetromSnapshot() (netrom.Snapshot, error) {
	if e.store == nil {
		return netrom.Snapshot{}, errNoStore
	}
	res := <-e.store.LoadNetromSnapshot()
	if res.Err != nil {
		return netrom.Snapshot{}, res.Err
	}
	return fromPersistSnapshot(res.Snapshot), nil
}
