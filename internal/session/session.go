// Package session implements the per-peer connected-mode AX.25 state
// machine: SABM/SABME/UA/DM/DISC/RR/RNR/REJ/I handling, windowed
// retransmission, and T1/T2/T3 timer discipline.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/axterm/axterm/internal/ax25"
)

// State is a session's connected-mode lifecycle state.
type State int

const (
	Disconnected State = iota
	AwaitingConnect
	Connected
	AwaitingRelease
	AwaitingReconnect
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case AwaitingConnect:
		return "awaiting_connect"
	case Connected:
		return "connected"
	case AwaitingRelease:
		return "awaiting_release"
	case AwaitingReconnect:
		return "awaiting_reconnect"
	default:
		return "unknown"
	}
}

// Key identifies a session by its (local, remote, path) triple.
type Key struct {
	Local  ax25.Address
	Remote ax25.Address
	Path   string // digipeater path, joined for map/display use
}

func (k Key) String() string {
	if k.Path == "" {
		return fmt.Sprintf("%s<->%s", k.Local, k.Remote)
	}
	return fmt.Sprintf("%s<->%s via %s", k.Local, k.Remote, k.Path)
}

// Error wraps session-layer failures (spec §7 SessionError taxonomy).
type Error struct {
	Kind    ErrorKind
	Retries int
	RTO     time.Duration
	Err     error
}

type ErrorKind int

const (
	ErrRetriesExhausted ErrorKind = iota
	ErrRemoteDisconnect
	ErrFrameReject
)

func (e *Error) Error() string {
	switch e.Kind {
	case ErrRetriesExhausted:
		return fmt.Sprintf("no response after %d tries (RTO %.1fs)", e.Retries, e.RTO.Seconds())
	case ErrRemoteDisconnect:
		return "remote disconnected"
	case ErrFrameReject:
		return "frame rejected: " + errString(e.Err)
	default:
		return "session error"
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

var errWindowFull = errors.New("session: outstanding I-frame window full")

// Timers is the timer configuration governing retransmission and idle
// probing (spec §4.4).
type Timers struct {
	T1Min, T1Max time.Duration
	T2           time.Duration
	T3           time.Duration
	Beta         float64 // smoothing factor for T1 = smoothed RTT * Beta
}

// DefaultTimers mirrors AX.25's conventional defaults.
func DefaultTimers() Timers {
	return Timers{
		T1Min: 1 * time.Second,
		T1Max: 10 * time.Second,
		T2:    3 * time.Second,
		T3:    2 * time.Minute,
		Beta:  2.0,
	}
}

// Scheduler abstracts one-shot timer scheduling so sessions never spin a
// polling loop and tests can drive time deterministically.
type Scheduler interface {
	After(d time.Duration, fn func()) Timer
}

// Timer is a cancellable pending callback.
type Timer interface {
	Stop() bool
}

type realScheduler struct{}

func (realScheduler) After(d time.Duration, fn func()) Timer {
	return realTimer{t: time.AfterFunc(d, fn)}
}

type realTimer struct{ t *time.Timer }

func (r realTimer) Stop() bool { return r.t.Stop() }

// RealScheduler is the production Scheduler backed by time.AfterFunc.
var RealScheduler Scheduler = realScheduler{}

// Callbacks is how a Session talks to the world: transmitting frames and
// reporting status to the owning engine.
type Callbacks struct {
	// Transmit sends a fully built outbound frame. Submission order is
	// preserved; completion is not awaited here (see spec §5).
	Transmit func(ax25.Frame) error

	// DeliverInfo hands a received I-frame's payload upward, in order.
	DeliverInfo func(info []byte, pid byte)

	// OnStateChange notifies the engine of a state transition.
	OnStateChange func(State)

	// OnFailure reports an unrecoverable session error (propagated to
	// bound AXDP transfers per spec §4.4/§7).
	OnFailure func(*Error)

	// OnWindowAvailable fires after each accepted N(R) acknowledgement
	// that leaves the outstanding-frame queue below the window size, so a
	// caller that previously saw errWindowFull from SendInfo may have room
	// to send again.
	OnWindowAvailable func()
}

// pendingIFrame is one entry in the unacked transmit queue.
type pendingIFrame struct {
	ns   int
	pid  byte
	info []byte
}

// Session is one AX.25 connected-mode link-layer state machine instance.
type Session struct {
	key   Key
	cb    Callbacks
	sched Scheduler
	tm    Timers

	state State

	vs, va, vr int
	modulo     int
	maxRetries int
	retries    int

	queue []pendingIFrame // outstanding, unacknowledged, in NS order

	t1, t3    Timer
	t1Running bool

	rejSent    bool // REJ sent once per gap, cleared once the gap fills
	extendedOK bool // both sides advertised modulo-128 via SABME/UA
}

// New constructs a Session in the Disconnected state.
func New(key Key, cb Callbacks, sched Scheduler, tm Timers, maxRetries int) *Session {
	if sched == nil {
		sched = RealScheduler
	}
	return &Session{
		key:        key,
		cb:         cb,
		sched:      sched,
		tm:         tm,
		state:      Disconnected,
		modulo:     8,
		maxRetries: maxRetries,
	}
}

func (s *Session) Key() Key     { return s.key }
func (s *Session) State() State { return s.state }
func (s *Session) VS() int      { return s.vs }
func (s *Session) VA() int      { return s.va }
func (s *Session) VR() int      { return s.vr }
func (s *Session) Modulo() int  { return s.modulo }

func (s *Session) windowSize() int {
	if s.modulo == 128 {
		return 127
	}
	return 7
}

func (s *Session) setState(next State) {
	if s.state == next {
		return
	}
	s.state = next
	if s.cb.OnStateChange != nil {
		s.cb.OnStateChange(next)
	}
}

func (s *Session) build(isCommand bool) *ax25.FrameBuilder {
	b := ax25.NewOutboundFrame(s.key.Local, s.key.Remote, isCommand)
	if s.modulo == 128 {
		b = b.Modulo128()
	}
	return b
}

func (s *Session) transmit(f ax25.Frame) {
	if s.cb.Transmit != nil {
		_ = s.cb.Transmit(f)
	}
}

// Connect issues a user connect request: send SABM(E) and start T1.
func (s *Session) Connect(useExtended bool) {
	if s.state != Disconnected && s.state != AwaitingReconnect {
		return
	}
	s.retries = 0
	s.extendedOK = useExtended
	if useExtended {
		s.modulo = 128
	} else {
		s.modulo = 8
	}
	s.sendConnectRequest()
	s.setState(AwaitingConnect)
}

func (s *Session) sendConnectRequest() {
	uType := ax25.USABM
	if s.extendedOK {
		uType = ax25.USABME
	}
	f, _ := s.build(true).Unnumbered(uType, true).Build()
	s.transmit(f)
	s.startT1()
}

// Disconnect issues a user disconnect request: send DISC.
func (s *Session) Disconnect() {
	if s.state != Connected && s.state != AwaitingConnect {
		return
	}
	s.cancelAllTimers()
	f, _ := s.build(true).Unnumbered(ax25.UDISC, true).Build()
	s.transmit(f)
	s.setState(AwaitingRelease)
	s.startT1()
}

// SendInfo enqueues application data for transmission as an I-frame,
// subject to the outstanding-window limit.
func (s *Session) SendInfo(pid byte, info []byte) error {
	if s.state != Connected {
		return fmt.Errorf("session: cannot send info in state %s", s.state)
	}
	if len(s.queue) >= s.windowSize() {
		return errWindowFull
	}

	ns := s.vs
	s.queue = append(s.queue, pendingIFrame{ns: ns, pid: pid, info: info})
	f, _ := s.build(true).Information(ns, s.vr, pid, info, false).Build()
	s.transmit(f)
	s.vs = (s.vs + 1) % s.modulo

	if !s.t1Running {
		s.startT1()
	}
	return nil
}

// HandleFrame processes one decoded AX.25 frame addressed to this session.
func (s *Session) HandleFrame(f ax25.Frame) {
	switch f.Class {
	case ax25.ClassU:
		s.handleU(f)
	case ax25.ClassS:
		s.handleS(f)
	case ax25.ClassI:
		s.handleI(f)
	}
}

func (s *Session) handleU(f ax25.Frame) {
	switch f.UType {
	case ax25.UUA:
		s.onUA(f)
	case ax25.UDM:
		s.onDM()
	case ax25.USABM, ax25.USABME:
		s.onIncomingSABM(f)
	case ax25.UDISC:
		s.onDISC()
	}
}

func (s *Session) onUA(f ax25.Frame) {
	switch s.state {
	case AwaitingConnect:
		s.cancelT1()
		s.retries = 0
		s.vs, s.va, s.vr = 0, 0, 0
		s.queue = nil
		// A UA answering our SABME completes the modulo-128 negotiation;
		// extendedOK and modulo were already set by Connect, so the UA
		// confirms rather than re-derives them (the wire form of a UA is
		// identical in both modes).
		s.startT3()
		s.setState(Connected)
	case AwaitingRelease:
		s.cancelAllTimers()
		s.setState(Disconnected)
	}
}

func (s *Session) onDM() {
	switch s.state {
	case AwaitingConnect:
		s.cancelAllTimers()
		if s.cb.OnFailure != nil {
			s.cb.OnFailure(&Error{Kind: ErrRemoteDisconnect})
		}
		s.setState(Disconnected)
	case Connected, AwaitingRelease:
		s.cancelAllTimers()
		s.setState(Disconnected)
	}
}

func (s *Session) onIncomingSABM(f ax25.Frame) {
	s.cancelAllTimers()
	s.extendedOK = f.UType == ax25.USABME
	if s.extendedOK {
		s.modulo = 128
	} else {
		s.modulo = 8
	}
	s.vs, s.va, s.vr = 0, 0, 0
	s.queue = nil
	uaType := ax25.UUA
	resp, _ := s.build(false).Unnumbered(uaType, f.Poll).Build()
	s.transmit(resp)
	s.startT3()
	s.setState(Connected)
}

func (s *Session) onDISC() {
	resp, _ := s.build(false).Unnumbered(ax25.UUA, true).Build()
	s.transmit(resp)
	s.cancelAllTimers()
	s.setState(Disconnected)
}

func (s *Session) handleS(f ax25.Frame) {
	if s.state != Connected {
		return
	}
	switch f.SType {
	case ax25.SRR, ax25.SRNR:
		s.ackUpTo(f.NR)
		if f.SType == ax25.SRNR {
			// Peer asked us to pause; we still track V(A) but do not
			// proactively retransmit beyond what T1 governs.
			return
		}
	case ax25.SREJ:
		s.ackUpTo(f.NR)
		s.retransmitFrom(f.NR)
	}
}

func (s *Session) handleI(f ax25.Frame) {
	if s.state != Connected {
		return
	}

	if f.NS == s.vr {
		if s.cb.DeliverInfo != nil {
			pid := byte(0)
			if f.PID != nil {
				pid = *f.PID
			}
			s.cb.DeliverInfo(f.Info, pid)
		}
		s.vr = (s.vr + 1) % s.modulo
		s.rejSent = false
		s.sendRR(f.Poll)
	} else {
		if !s.rejSent {
			s.sendREJ()
			s.rejSent = true
		}
	}

	s.ackUpTo(f.NR)
}

func (s *Session) sendRR(poll bool) {
	f, _ := s.build(true).Supervisory(ax25.SRR, s.vr, poll).Build()
	s.transmit(f)
}

func (s *Session) sendREJ() {
	f, _ := s.build(true).Supervisory(ax25.SREJ, s.vr, false).Build()
	s.transmit(f)
}

// ackUpTo frees every queued frame with ns < nr (mod), per spec's window
// drain rule, and advances V(A).
func (s *Session) ackUpTo(nr int) {
	if !isGoodNR(nr, s.va, s.vs, s.modulo) {
		return
	}
	base := s.va
	s.va = nr
	kept := s.queue[:0]
	for _, p := range s.queue {
		if seqBefore(p.ns, nr, base, s.modulo) {
			continue
		}
		kept = append(kept, p)
	}
	s.queue = kept

	if len(s.queue) == 0 {
		s.cancelT1()
	} else {
		s.retries = 0
	}

	if len(s.queue) < s.windowSize() && s.cb.OnWindowAvailable != nil {
		s.cb.OnWindowAvailable()
	}
}

// isGoodNR reports whether nr is within the valid acknowledgement range
// [va, vs] modulo the session's modulus.
func isGoodNR(nr, va, vs, modulo int) bool {
	if va == vs {
		return nr == va
	}
	n := vs - va
	if n < 0 {
		n += modulo
	}
	d := nr - va
	if d < 0 {
		d += modulo
	}
	return d <= n
}

// seqBefore reports whether ns falls before nr inside the window whose
// base is V(A) at the time of the acknowledgement. Comparing raw circular
// distance instead would misclassify frames on the far side of a
// sequence-number wrap.
func seqBefore(ns, nr, base, modulo int) bool {
	rel := func(x int) int {
		d := x - base
		if d < 0 {
			d += modulo
		}
		return d
	}
	return rel(ns) < rel(nr)
}

// retransmitFrom resends every queued frame with ns >= from (Go-Back-N).
// SREJ is parsed but this engine always recovers with Go-Back-N (see
// DESIGN.md Open Question on SREJ).
func (s *Session) retransmitFrom(from int) {
	for _, p := range s.queue {
		if seqBefore(p.ns, from, s.va, s.modulo) {
			continue
		}
		f, _ := s.build(true).Information(p.ns, s.vr, p.pid, p.info, false).Build()
		s.transmit(f)
	}
	s.restartT1()
}

func (s *Session) startT1() {
	s.cancelT1()
	s.t1Running = true
	s.t1 = s.sched.After(s.currentT1(), s.onT1Expiry)
}

func (s *Session) restartT1() {
	s.startT1()
}

func (s *Session) cancelT1() {
	if s.t1 != nil {
		s.t1.Stop()
		s.t1 = nil
	}
	s.t1Running = false
}

func (s *Session) startT3() {
	if s.t3 != nil {
		s.t3.Stop()
	}
	s.t3 = s.sched.After(s.tm.T3, s.onT3Expiry)
}

func (s *Session) cancelAllTimers() {
	s.cancelT1()
	if s.t3 != nil {
		s.t3.Stop()
		s.t3 = nil
	}
}

func (s *Session) currentT1() time.Duration {
	// A fixed multiplier of T1Min scaled by Beta, bounded to [T1Min,
	// T1Max]; a full smoothed-RTT estimator is out of scope without a
	// real round-trip sample source.
	d := time.Duration(float64(s.tm.T1Min) * s.tm.Beta)
	if d < s.tm.T1Min {
		d = s.tm.T1Min
	}
	if d > s.tm.T1Max {
		d = s.tm.T1Max
	}
	return d
}

func (s *Session) onT1Expiry() {
	switch s.state {
	case AwaitingConnect:
		s.retries++
		if s.retries >= s.maxRetries {
			s.cancelAllTimers()
			if s.cb.OnFailure != nil {
				s.cb.OnFailure(&Error{Kind: ErrRetriesExhausted, Retries: s.retries, RTO: s.currentT1()})
			}
			s.setState(Disconnected)
			return
		}
		s.sendConnectRequest()

	case AwaitingRelease:
		s.retries++
		if s.retries >= s.maxRetries {
			s.cancelAllTimers()
			s.setState(Disconnected)
			return
		}
		f, _ := s.build(true).Unnumbered(ax25.UDISC, true).Build()
		s.transmit(f)
		s.startT1()

	case Connected:
		if len(s.queue) == 0 {
			return
		}
		s.retries++
		if s.retries >= s.maxRetries {
			s.cancelAllTimers()
			f, _ := s.build(true).Unnumbered(ax25.UDM, true).Build()
			s.transmit(f)
			if s.cb.OnFailure != nil {
				s.cb.OnFailure(&Error{Kind: ErrRetriesExhausted, Retries: s.retries, RTO: s.currentT1()})
			}
			s.setState(Disconnected)
			return
		}
		s.retransmitFrom(s.va)
	}
}

func (s *Session) onT3Expiry() {
	if s.state != Connected {
		return
	}
	f, _ := s.build(true).Supervisory(ax25.SRR, s.vr, true).Build()
	s.transmit(f)
	s.startT3()
}
