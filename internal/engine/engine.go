// Package engine owns all mutable protocol-engine state — packet/console
// buffers, sessions, transfers, capability store, NET/ROM integration — and
// exposes the control surface described in spec.md §6, matching the
// teacher's single-executor-goroutine ownership model.
package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/axterm/axterm/internal/ax25"
	"github.com/axterm/axterm/internal/axdp"
	"github.com/axterm/axterm/internal/config"
	"github.com/axterm/axterm/internal/console"
	"github.com/axterm/axterm/internal/kiss"
	"github.com/axterm/axterm/internal/logging"
	"github.com/axterm/axterm/internal/netrom"
	"github.com/axterm/axterm/internal/persist"
	"github.com/axterm/axterm/internal/session"
	"github.com/axterm/axterm/internal/station"
	"github.com/axterm/axterm/internal/transport"
	"github.com/axterm/axterm/internal/watch"
	"golang.org/x/sync/errgroup"
)

// snapshotInterval and snapshotPacketCount are the NET/ROM snapshot
// cadence: every 60 seconds or every 500 packets, whichever comes first
// (spec §4.7).
const (
	snapshotInterval    = 60 * time.Second
	snapshotPacketCount = 500
)

// peer identifies one connected-mode counterpart: the session and its
// bound AXDP layer.
type peer struct {
	sess *session.Session
	axdp *axdp.Conn
}

// Engine is the single executor that owns every piece of mutable state
// named in spec.md §5. All mutation happens inside run, reached only
// through closures submitted on cmds; external callers never touch engine
// fields directly.
type Engine struct {
	cfg      config.Config
	log      *logging.Logger
	identity ax25.Address

	link            transport.Link
	linkSettings    transport.Settings
	suspended       bool
	pendingSettings *transport.Settings

	kissParser *kiss.Parser

	peers     map[string]*peer
	capStore  *axdp.Store
	netromEng *netrom.Engine
	stations  *station.Tracker
	watchers  *watch.Matcher
	consoleFd *console.Feed

	packets      []Packet
	nextPacketID uint64
	packetSubs   []chan Packet

	frameTypeCounts map[string]uint64
	frameSizeCounts map[int]uint64
	rawLog          []RawChunk

	store persist.Store

	packetsSinceSnapshot int
	lastSnapshotAt       time.Time

	mobilinkd *transport.MobilinkdOneShot

	now func() time.Time

	cmds   chan func()
	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs an Engine bound to link and store, not yet running.
func New(cfg config.Config, log *logging.Logger, link transport.Link, store persist.Store) (*Engine, error) {
	local, err := ax25.ParseAddress(cfg.Identity.MyCallsign)
	if err != nil {
		return nil, fmt.Errorf("engine: invalid identity callsign: %w", err)
	}

	e := &Engine{
		cfg:        cfg,
		log:        log,
		identity:   local,
		link:       link,
		kissParser: kiss.NewParser(),
		peers:      make(map[string]*peer),
		capStore:   axdp.NewStore(),
		netromEng:  netrom.NewEngine(netrom.DefaultConfig()),
		stations:   station.NewTracker(),
		store:      store,
		now:        time.Now,
		cmds:       make(chan func(), 256),
	}
	// ctx starts as a non-cancelling background context so control-surface
	// calls issued before Run starts the executor (e.g. an initial connect)
	// still enqueue correctly instead of dereferencing a nil context; Run
	// replaces it with the real, cancellable one.
	e.ctx = context.Background()
	e.watchers = watch.NewMatcher(nil, nil)
	e.consoleFd = console.NewFeed()

	if link != nil {
		link.SetCallbacks(transport.Callbacks{
			OnReceive:     func(chunk []byte) { e.exec(func() { e.handleRawChunk(chunk) }) },
			OnStateChange: func(s transport.State) { e.exec(func() { e.onLinkStateChange(s) }) },
			OnError:       func(msg string) { e.exec(func() { e.log.Warn("link error", "msg", msg) }) },
		})
		e.mobilinkd = transport.NewMobilinkdOneShot(func(data []byte) error {
			return e.link.Send(e.ctx, data)
		})
	}
	return e, nil
}

// Run starts the engine executor and blocks until ctx is cancelled or an
// unrecoverable error occurs, supervising the executor loop and the final
// teardown sequence via errgroup as spec.md §5 prescribes. The persistence
// worker and each transport's internal read loop already own their own
// goroutines (persist.NewWorker, Link.Open); Run supervises the engine side
// of that boundary and drives coordinated shutdown.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.ctx, e.cancel = ctx, cancel
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if e.store != nil {
			e.store.PruneNetrom(e.cfg.Retention.RouteRetentionDays)
		}
		if snap, err := e.loadNetromSnapshot(); err == nil {
			e.netromEng.LoadSnapshot(snap)
		}
		e.runExecutor(gctx)
		e.teardown()
		return nil
	})
	return g.Wait()
}

// runExecutor is the single engine executor: every mutation of engine
// state happens here, reached only through closures submitted on cmds
// (spec §5). It returns once ctx is cancelled, handing off to teardown.
func (e *Engine) runExecutor(ctx context.Context) {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-e.cmds:
			fn()
		case <-ticker.C:
			e.maybeSnapshotNetrom(true)
		}
	}
}

// exec submits fn to the engine executor and returns immediately. Use when
// the caller does not need the result (the common case for transport
// callbacks and fire-and-forget control-surface commands).
func (e *Engine) exec(fn func()) {
	select {
	case e.cmds <- fn:
	case <-e.ctx.Done():
	}
}

// execWait submits fn to the executor and blocks until it has run,
// matching spec §5's "callers receive results on the engine's executor"
// for operations where the caller needs a return value.
func (e *Engine) execWait(fn func()) {
	done := make(chan struct{})
	select {
	case e.cmds <- func() { fn(); close(done) }:
	case <-e.ctx.Done():
		return
	}
	select {
	case <-done:
	case <-e.ctx.Done():
	}
}

// teardown runs on the executor goroutine immediately after runExecutor
// returns, so it touches engine state directly rather than through
// exec/execWait (spec §5: "shutdown cancels all timers, closes the link,
// flushes pending persistence writes, and saves a final NET/ROM
// snapshot").
func (e *Engine) teardown() {
	for _, p := range e.peers {
		p.sess.Disconnect()
	}
	if e.link != nil {
		_ = e.link.Close()
	}
	e.maybeSnapshotNetrom(true)
	if e.store != nil {
		e.store.Close()
	}
}

func (e *Engine) onLinkStateChange(s transport.State) {
	e.log.Info("link state changed", "state", s.String())
	if s == transport.Connected && !e.suspended {
		for _, p := range e.peers {
			if p.sess.State() == session.Connected {
				_ = p.axdp.OnSessionConnected()
			}
		}
	}
}

// --- connection control surface (spec §6) ---

// ConnectUsingSettings reconnects using the last-applied settings snapshot,
// the form used when "connection logic suspended" clears (spec §5).
func (e *Engine) ConnectUsingSettings() error {
	var err error
	e.execWait(func() {
		if e.link == nil {
			err = transport.ErrNotConnected
			return
		}
		err = e.link.Open(e.ctx)
	})
	return err
}

// ConnectTCP replaces the link with a fresh TCP link and opens it.
func (e *Engine) ConnectTCP(host string, port int) error {
	return e.swapLink(transport.NewTCPLink(host, port), transport.Settings{Kind: transport.KindTCP, Host: host, Port: port})
}

// ConnectSerial replaces the link with a fresh serial link and opens it.
func (e *Engine) ConnectSerial(path string, baud int) error {
	return e.swapLink(transport.NewSerialLink(path, baud), transport.Settings{Kind: transport.KindSerial, SerialPath: path, Baud: baud})
}

// ConnectBLE replaces the link with a fresh BLE link over the given
// central and opens it. central is supplied by the caller (cmd/ wiring)
// since no pure-Go BLE stack lives in this module (spec §4.3).
func (e *Engine) ConnectBLE(id, name string, central transport.BLECentral) error {
	return e.swapLink(transport.NewBLELink(id, name, central), transport.Settings{Kind: transport.KindBLE, BLEID: id})
}

// swapLink replaces the active link and (subject to the suspension flag)
// opens it, running on the engine executor like every other control-surface
// mutation (spec §5).
func (e *Engine) swapLink(link transport.Link, settings transport.Settings) error {
	var openErr error
	e.execWait(func() { openErr = e.applySwap(link, settings) })
	return openErr
}

func (e *Engine) applySwap(link transport.Link, settings transport.Settings) error {
	if e.link != nil {
		_ = e.link.Close()
	}
	e.link = link
	link.SetCallbacks(transport.Callbacks{
		OnReceive:     func(chunk []byte) { e.exec(func() { e.handleRawChunk(chunk) }) },
		OnStateChange: func(s transport.State) { e.exec(func() { e.onLinkStateChange(s) }) },
		OnError:       func(msg string) { e.exec(func() { e.log.Warn("link error", "msg", msg) }) },
	})
	e.mobilinkd = transport.NewMobilinkdOneShot(func(data []byte) error { return e.link.Send(e.ctx, data) })

	if e.suspended {
		e.pendingSettings = &settings
		return nil
	}
	var openErr error
	if !settings.Equal(e.linkSettings) {
		openErr = link.Open(e.ctx)
	}
	e.linkSettings = settings
	return openErr
}

// SuspendConnectionLogic sets the "connection logic suspended" flag (spec
// §5). While suspended, settings changes are only captured, not reconciled.
func (e *Engine) SuspendConnectionLogic(suspended bool) {
	e.execWait(func() {
		e.suspended = suspended
		if !suspended && e.pendingSettings != nil {
			pending := *e.pendingSettings
			e.pendingSettings = nil
			if !pending.Equal(e.linkSettings) && e.link != nil {
				_ = e.link.Open(e.ctx)
			}
			e.linkSettings = pending
		}
	})
}

// Disconnect issues a user disconnect on every live session and closes the
// link (spec §6's disconnect(reason)).
func (e *Engine) Disconnect(reason string) {
	e.execWait(func() {
		e.log.Info("disconnect requested", "reason", reason)
		for _, p := range e.peers {
			p.sess.Disconnect()
		}
		if e.link != nil {
			_ = e.link.Close()
		}
	})
}

// SendOutbound transmits a raw, session-independent frame — monitor-mode
// traffic or maintenance frames that bypass connected-mode windowing.
func (e *Engine) SendOutbound(f ax25.Frame) error {
	var err error
	e.execWait(func() { err = e.transmitFrame(f) })
	return err
}

func (e *Engine) transmitFrame(f ax25.Frame) error {
	if e.link == nil {
		return transport.ErrNotConnected
	}
	raw := ax25.Encode(f)
	return e.link.Send(e.ctx, kiss.EncodeDataFrame(0, raw))
}

// --- mobilinkd one-shot control surface (spec §6) ---

func (e *Engine) MobilinkdPollInputLevel(port byte) error {
	if e.mobilinkd == nil {
		return transport.ErrNotConnected
	}
	return e.mobilinkd.PollInputLevel(port)
}

func (e *Engine) MobilinkdAdjustInputLevels(port byte, level uint8) error {
	if e.mobilinkd == nil {
		return transport.ErrNotConnected
	}
	return e.mobilinkd.AdjustInputLevels(port, level)
}

func (e *Engine) MobilinkdSetInputGain(port byte, level uint8) error {
	if e.mobilinkd == nil {
		return transport.ErrNotConnected
	}
	return e.mobilinkd.SetInputGain(port, level)
}

func (e *Engine) MobilinkdReset(port byte) error {
	if e.mobilinkd == nil {
		return transport.ErrNotConnected
	}
	return e.mobilinkd.Reset(port)
}

// --- session management ---

// sessionFor returns the peer entry for remote, creating a fresh session
// and bound AXDP connection if none exists yet. Must run on the executor.
func (e *Engine) sessionFor(remote ax25.Address) *peer {
	key := remote.String()
	if p, ok := e.peers[key]; ok {
		return p
	}

	sessKey := session.Key{Local: e.identity, Remote: remote}
	p := &peer{}
	p.sess = session.New(sessKey, session.Callbacks{
		Transmit:      func(f ax25.Frame) error { return e.transmitFrame(f) },
		DeliverInfo:   func(info []byte, pid byte) { e.deliverInfo(p, remote, info, pid) },
		OnStateChange: func(s session.State) { e.onSessionStateChange(remote, s) },
		OnFailure:     func(err *session.Error) { e.log.Warn("session failure", "peer", remote.String(), "err", err.Error()) },
		OnWindowAvailable: func() {
			if err := p.axdp.ResumeSending(); err != nil {
				e.log.Warn("resume file transfer pump failed", "peer", remote.String(), "err", err.Error())
			}
		},
	}, session.RealScheduler, session.DefaultTimers(), 10)

	peerID := axdp.PeerID{Call: remote.Call, SSID: remote.SSID}
	p.axdp = axdp.NewConn(peerID, axdp.Callbacks{
		Transmit:         func(body []byte) error { return p.sess.SendInfo(ax25.PIDNoLayer3, body) },
		DeliverChat:      func(from axdp.PeerID, text string) { e.deliverChat(from, text) },
		OnCapability:     func(from axdp.PeerID, c axdp.Capability) { e.capStore.Confirm(from, c, e.now()) },
		PermissionFor:    func(from axdp.PeerID) axdp.Permission { return e.permissionFor(from) },
		WriteFile:        func(path string, data []byte) error { return writeFileAtomic(e.cfg.Transfers.DownloadDir, path, data) },
		OnTransferUpdate: func(t *axdp.Transfer) { e.log.Info("transfer update", "id", t.ID, "status", t.Status.String()) },
		Now:              e.now,
	})

	e.peers[key] = p
	return p
}

func (e *Engine) permissionFor(peer axdp.PeerID) axdp.Permission {
	switch e.cfg.Permissions[station.Identity(peer.Call, peer.SSID)] {
	case config.PermissionAlwaysAccept:
		return axdp.PermissionAlwaysAccept
	case config.PermissionAlwaysDeny:
		return axdp.PermissionAlwaysDeny
	default:
		return axdp.PermissionAsk
	}
}

func (e *Engine) onSessionStateChange(remote ax25.Address, s session.State) {
	e.log.Info("session state changed", "peer", remote.String(), "state", s.String())
	if s == session.Connected {
		if p, ok := e.peers[remote.String()]; ok {
			_ = p.axdp.OnSessionConnected()
		}
	}
}

func (e *Engine) deliverChat(from axdp.PeerID, text string) {
	line := e.consoleFd.Append(console.KindPacket, e.now(), from.Call, e.identity.String(), text, nil)
	e.persistConsole(line)
}

// ConnectPeer issues a user connect request to remote (SABM/SABME).
func (e *Engine) ConnectPeer(remote ax25.Address, useExtended bool) {
	e.execWait(func() { e.sessionFor(remote).sess.Connect(useExtended) })
}

// SendChat transmits a chat message over the AXDP session bound to remote,
// fragmenting across I-frames as needed.
func (e *Engine) SendChat(remote ax25.Address, text string) error {
	var err error
	e.execWait(func() { err = e.sessionFor(remote).axdp.SendChat(text) })
	return err
}

// --- transfer control surface (spec §6) ---

func randomTransferID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// SendFile begins an outbound transfer to peer, generating a fresh
// transfer id.
func (e *Engine) SendFile(remote ax25.Address, fileName string, data []byte, settings axdp.CompressionSettings) (*axdp.Transfer, error) {
	var t *axdp.Transfer
	var err error
	e.execWait(func() {
		p := e.sessionFor(remote)
		t, err = p.axdp.SendFile(randomTransferID(), fileName, data, settings)
	})
	return t, err
}

func (e *Engine) AcceptIncoming(remote ax25.Address, id string) error {
	var err error
	e.execWait(func() { err = e.sessionFor(remote).axdp.AcceptIncoming(id) })
	return err
}

func (e *Engine) DeclineIncoming(remote ax25.Address, id string) error {
	var err error
	e.execWait(func() { err = e.sessionFor(remote).axdp.DeclineIncoming(id) })
	return err
}

func (e *Engine) Pause(remote ax25.Address, id string) error {
	var err error
	e.execWait(func() { err = e.sessionFor(remote).axdp.Pause(id) })
	return err
}

func (e *Engine) Resume(remote ax25.Address, id string) error {
	var err error
	e.execWait(func() { err = e.sessionFor(remote).axdp.Resume(id) })
	return err
}

func (e *Engine) Cancel(remote ax25.Address, id string) error {
	var err error
	e.execWait(func() { err = e.sessionFor(remote).axdp.Cancel(id) })
	return err
}

// --- observation handles (spec §6) ---

// Packets subscribes to the broadcast packet channel; observers receive
// copies, never references into engine state (spec §5).
func (e *Engine) Packets() <-chan Packet {
	ch := make(chan Packet, 64)
	e.execWait(func() { e.packetSubs = append(e.packetSubs, ch) })
	return ch
}

// CapabilitySnapshot returns an immutable snapshot of confirmed peer
// capabilities.
func (e *Engine) CapabilitySnapshot() map[axdp.PeerID]axdp.Capability {
	return e.capStore.Snapshot()
}

// NetromSnapshot returns the current inferred topology snapshot.
func (e *Engine) NetromSnapshot() netrom.Snapshot {
	var snap netrom.Snapshot
	e.execWait(func() { snap = e.netromEng.Snapshot() })
	return snap
}

// Stations returns the current heard table.
func (e *Engine) Stations() []station.Station {
	var out []station.Station
	e.execWait(func() { out = e.stations.All() })
	return out
}

// ConsoleLines returns every recorded console line.
func (e *Engine) ConsoleLines() []console.Line {
	var out []console.Line
	e.execWait(func() { out = e.consoleFd.Lines() })
	return out
}

// SetWatchRules replaces the active watch rule set.
func (e *Engine) SetWatchRules(rules []watch.Rule) {
	e.execWait(func() { e.watchers.SetRules(rules) })
}

// Analytics aggregates persisted packet activity into time buckets on the
// persistence worker, so the query never blocks ingest (spec §5).
func (e *Engine) Analytics(timeframe, bucket time.Duration, opts persist.AnalyticsOptions) ([]persist.AnalyticsBucket, error) {
	if e.store == nil {
		return nil, errNoStore
	}
	res := <-e.store.AggregateAnalytics(timeframe, bucket, opts)
	return res.Buckets, res.Err
}
