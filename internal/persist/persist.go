// Package persist implements the retention-bounded persistence facade: an
// async worker serializing packet/console/raw/NET-ROM records onto a single
// goroutine, grounded in the teacher's single-consumer queue pattern
// (dlq.go/tq.go). The real SQLite-backed Backend is out of scope (spec §1)
// and exists here only as an interface; MemoryBackend is the in-process
// reference implementation used for tests and embedding.
package persist

import (
	"errors"
	"sort"
	"time"

	"github.com/lestrrat-go/strftime"
)

// ErrorKind enumerates the PersistenceError taxonomy (spec §7).
type ErrorKind int

const (
	ErrOpenFailed ErrorKind = iota
	ErrWriteFailed
	ErrQueryFailed
	ErrSnapshotFailed
)

// Error wraps a persistence-layer failure. Persistence errors never block
// the live pipeline; callers log and continue (spec §7).
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string  { return e.Kind.String() + ": " + e.Err.Error() }
func (e *Error) Unwrap() error  { return e.Err }

func (k ErrorKind) String() string {
	switch k {
	case ErrOpenFailed:
		return "open failed"
	case ErrWriteFailed:
		return "write failed"
	case ErrQueryFailed:
		return "query failed"
	case ErrSnapshotFailed:
		return "snapshot failed"
	default:
		return "persistence error"
	}
}

// PacketRecord is one persisted packet row.
type PacketRecord struct {
	ID         uint64
	Timestamp  time.Time
	From, To   string
	Via        []string
	FrameType  string
	Control    byte
	PID        *byte
	Info       []byte
	Raw        []byte
	Endpoint   string
	Pinned     bool
	CreatedAt  time.Time
}

// ConsoleRecord is one persisted console entry.
type ConsoleRecord struct {
	ID        uint64
	CreatedAt time.Time
	Level     string
	Category  string
	Message   string
	PacketID  *uint64
	Metadata  map[string]string
	ByteCount int
}

// RawRecord is one persisted raw byte-chunk entry.
type RawRecord struct {
	ID        uint64
	CreatedAt time.Time
	Source    string
	Direction string
	Kind      string
	RawHex    string
	ByteCount int
	PacketID  *uint64
	Metadata  map[string]string
}

// NetromSnapshot is the persisted NET/ROM topology state.
type NetromSnapshot struct {
	Neighbors         []byte // opaque serialized form; netrom package owns the shape
	Routes            []byte
	Links             []byte
	LastPacketID      uint64
	ConfigHash        string
	SnapshotTimestamp time.Time
}

// AnalyticsOptions narrows an aggregation query.
type AnalyticsOptions struct {
	// FrameType, when non-empty, restricts the aggregation to packets of
	// that frame type ("I", "UI", "RR", ...).
	FrameType string
}

// AnalyticsBucket is one time bucket of aggregated packet activity.
type AnalyticsBucket struct {
	Start       time.Time
	PacketCount int
	ByteCount   int
}

// Backend is the storage-engine contract. MemoryBackend is the only
// in-tree implementation; a real SQLite-backed Backend is an external
// collaborator referenced only by this interface.
type Backend interface {
	SavePacket(PacketRecord) error
	AppendConsole(ConsoleRecord) error
	AppendRaw(RawRecord) error
	SetPinned(id uint64, pinned bool) error
	LoadPackets(limit int) (packets []PacketRecord, pinnedIDs []uint64, err error)
	LoadConsole(limit int) ([]ConsoleRecord, error)
	LoadRaw(limit int) ([]RawRecord, error)
	PrunePackets(retention int) error
	PruneConsole(retention int) error
	PruneRaw(retention int) error
	DeleteAllConsole() error
	DeleteAllRaw() error
	SaveNetromSnapshot(NetromSnapshot) error
	LoadNetromSnapshot() (NetromSnapshot, error)
	PruneNetrom(retentionDays int) error
	AggregateAnalytics(timeframe time.Duration, bucket time.Duration, opts AnalyticsOptions) ([]AnalyticsBucket, error)
}

// FileName formats a timestamp into a daily rotation file name using the
// given strftime pattern, mirroring the teacher's daily log-file naming.
func FileName(pattern string, t time.Time) (string, error) {
	f, err := strftime.New(pattern)
	if err != nil {
		return "", err
	}
	return f.FormatString(t), nil
}

// Store is the asynchronous facade the engine calls; all operations are
// serialized onto a single worker goroutine (spec §4.8).
type Store interface {
	SavePacket(p PacketRecord, retention int)
	AppendConsole(c ConsoleRecord, retention int)
	AppendRaw(r RawRecord, retention int)
	SetPinned(id uint64, pinned bool)
	LoadPackets(limit int) (<-chan loadPacketsResult)
	LoadConsole(limit int) (<-chan loadConsoleResult)
	LoadRaw(limit int) (<-chan loadRawResult)
	PrunePackets(retention int)
	PruneConsole(retention int)
	PruneRaw(retention int)
	DeleteAllConsole()
	DeleteAllRaw()
	SaveNetromSnapshot(NetromSnapshot)
	LoadNetromSnapshot() <-chan loadSnapshotResult
	PruneNetrom(retentionDays int)
	// AggregateAnalytics runs on the worker like everything else, so
	// analytics queries never block ingest (spec §5).
	AggregateAnalytics(timeframe time.Duration, bucket time.Duration, opts AnalyticsOptions) <-chan analyticsResult
	// Close drains pending writes and stops the worker goroutine.
	Close()
}

type loadPacketsResult struct {
	Packets   []PacketRecord
	PinnedIDs []uint64
	Err       error
}

type loadConsoleResult struct {
	Console []ConsoleRecord
	Err     error
}

type loadRawResult struct {
	Raw []RawRecord
	Err error
}

type loadSnapshotResult struct {
	Snapshot NetromSnapshot
	Err      error
}

type analyticsResult struct {
	Buckets []AnalyticsBucket
	Err     error
}

// command is one operation queued onto the worker goroutine.
type command func(Backend)

// Worker is the single-goroutine Store implementation: every operation is a
// closure pushed onto a command channel buffered to 256 entries (senders
// block while it is full) and drained in
// submission order, grounded in the teacher's dlq/tq single-consumer queue
// pattern.
type Worker struct {
	backend Backend
	cmds    chan command
	done    chan struct{}
	onError func(*Error)
}

// NewWorker starts a persistence worker backed by backend. onError, if
// non-nil, receives every backend failure (spec §7: persistence errors
// never block the pipeline, they go to a telemetry sink).
func NewWorker(backend Backend, onError func(*Error)) *Worker {
	w := &Worker{
		backend: backend,
		cmds:    make(chan command, 256),
		done:    make(chan struct{}),
		onError: onError,
	}
	go w.run()
	return w
}

func (w *Worker) run() {
	defer close(w.done)
	for cmd := range w.cmds {
		cmd(w.backend)
	}
}

func (w *Worker) reportErr(kind ErrorKind, err error) {
	if err == nil || w.onError == nil {
		return
	}
	w.onError(&Error{Kind: kind, Err: err})
}

func (w *Worker) SavePacket(p PacketRecord, retention int) {
	w.cmds <- func(b Backend) {
		if err := b.SavePacket(p); err != nil {
			w.reportErr(ErrWriteFailed, err)
			return
		}
		if err := b.PrunePackets(retention); err != nil {
			w.reportErr(ErrWriteFailed, err)
		}
	}
}

func (w *Worker) AppendConsole(c ConsoleRecord, retention int) {
	w.cmds <- func(b Backend) {
		if err := b.AppendConsole(c); err != nil {
			w.reportErr(ErrWriteFailed, err)
			return
		}
		if err := b.PruneConsole(retention); err != nil {
			w.reportErr(ErrWriteFailed, err)
		}
	}
}

func (w *Worker) AppendRaw(r RawRecord, retention int) {
	w.cmds <- func(b Backend) {
		if err := b.AppendRaw(r); err != nil {
			w.reportErr(ErrWriteFailed, err)
			return
		}
		if err := b.PruneRaw(retention); err != nil {
			w.reportErr(ErrWriteFailed, err)
		}
	}
}

func (w *Worker) SetPinned(id uint64, pinned bool) {
	w.cmds <- func(b Backend) {
		if err := b.SetPinned(id, pinned); err != nil {
			w.reportErr(ErrWriteFailed, err)
		}
	}
}

func (w *Worker) LoadPackets(limit int) <-chan loadPacketsResult {
	out := make(chan loadPacketsResult, 1)
	w.cmds <- func(b Backend) {
		packets, pinned, err := b.LoadPackets(limit)
		if err != nil {
			w.reportErr(ErrQueryFailed, err)
		}
		out <- loadPacketsResult{Packets: packets, PinnedIDs: pinned, Err: err}
	}
	return out
}

func (w *Worker) LoadConsole(limit int) <-chan loadConsoleResult {
	out := make(chan loadConsoleResult, 1)
	w.cmds <- func(b Backend) {
		rows, err := b.LoadConsole(limit)
		if err != nil {
			w.reportErr(ErrQueryFailed, err)
		}
		out <- loadConsoleResult{Console: rows, Err: err}
	}
	return out
}

func (w *Worker) LoadRaw(limit int) <-chan loadRawResult {
	out := make(chan loadRawResult, 1)
	w.cmds <- func(b Backend) {
		rows, err := b.LoadRaw(limit)
		if err != nil {
			w.reportErr(ErrQueryFailed, err)
		}
		out <- loadRawResult{Raw: rows, Err: err}
	}
	return out
}

func (w *Worker) PrunePackets(retention int) {
	w.cmds <- func(b Backend) {
		if err := b.PrunePackets(retention); err != nil {
			w.reportErr(ErrWriteFailed, err)
		}
	}
}

func (w *Worker) PruneConsole(retention int) {
	w.cmds <- func(b Backend) {
		if err := b.PruneConsole(retention); err != nil {
			w.reportErr(ErrWriteFailed, err)
		}
	}
}

func (w *Worker) PruneRaw(retention int) {
	w.cmds <- func(b Backend) {
		if err := b.PruneRaw(retention); err != nil {
			w.reportErr(ErrWriteFailed, err)
		}
	}
}

func (w *Worker) DeleteAllConsole() {
	w.cmds <- func(b Backend) {
		if err := b.DeleteAllConsole(); err != nil {
			w.reportErr(ErrWriteFailed, err)
		}
	}
}

func (w *Worker) DeleteAllRaw() {
	w.cmds <- func(b Backend) {
		if err := b.DeleteAllRaw(); err != nil {
			w.reportErr(ErrWriteFailed, err)
		}
	}
}

func (w *Worker) SaveNetromSnapshot(s NetromSnapshot) {
	w.cmds <- func(b Backend) {
		if err := b.SaveNetromSnapshot(s); err != nil {
			w.reportErr(ErrSnapshotFailed, err)
		}
	}
}

func (w *Worker) LoadNetromSnapshot() <-chan loadSnapshotResult {
	out := make(chan loadSnapshotResult, 1)
	w.cmds <- func(b Backend) {
		s, err := b.LoadNetromSnapshot()
		if err != nil {
			w.reportErr(ErrSnapshotFailed, err)
		}
		out <- loadSnapshotResult{Snapshot: s, Err: err}
	}
	return out
}

func (w *Worker) AggregateAnalytics(timeframe time.Duration, bucket time.Duration, opts AnalyticsOptions) <-chan analyticsResult {
	out := make(chan analyticsResult, 1)
	w.cmds <- func(b Backend) {
		buckets, err := b.AggregateAnalytics(timeframe, bucket, opts)
		if err != nil {
			w.reportErr(ErrQueryFailed, err)
		}
		out <- analyticsResult{Buckets: buckets, Err: err}
	}
	return out
}

func (w *Worker) PruneNetrom(retentionDays int) {
	w.cmds <- func(b Backend) {
		if err := b.PruneNetrom(retentionDays); err != nil {
			w.reportErr(ErrSnapshotFailed, err)
		}
	}
}

// Close drains queued work and stops the worker goroutine. Safe to call
// once during engine shutdown.
func (w *Worker) Close() {
	close(w.cmds)
	<-w.done
}

// MemoryBackend is an in-process Backend sufficient for tests and for
// embedding without SQLite.
type MemoryBackend struct {
	packets  []PacketRecord
	console  []ConsoleRecord
	raw      []RawRecord
	pinned   map[uint64]bool
	snapshot *NetromSnapshot
	nextID   uint64
	now      func() time.Time
}

// NewMemoryBackend constructs an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{pinned: make(map[uint64]bool), now: time.Now}
}

func (m *MemoryBackend) SavePacket(p PacketRecord) error {
	m.packets = append(m.packets, p)
	sort.Slice(m.packets, func(i, j int) bool {
		if m.packets[i].Timestamp.Equal(m.packets[j].Timestamp) {
			return m.packets[i].ID < m.packets[j].ID
		}
		return m.packets[i].Timestamp.Before(m.packets[j].Timestamp)
	})
	return nil
}

func (m *MemoryBackend) AppendConsole(c ConsoleRecord) error {
	m.console = append(m.console, c)
	return nil
}

func (m *MemoryBackend) AppendRaw(r RawRecord) error {
	m.raw = append(m.raw, r)
	return nil
}

func (m *MemoryBackend) SetPinned(id uint64, pinned bool) error {
	if pinned {
		m.pinned[id] = true
	} else {
		delete(m.pinned, id)
	}
	return nil
}

func (m *MemoryBackend) LoadPackets(limit int) ([]PacketRecord, []uint64, error) {
	pkts := m.packets
	if limit > 0 && len(pkts) > limit {
		pkts = pkts[len(pkts)-limit:]
	}
	ids := make([]uint64, 0, len(m.pinned))
	for id := range m.pinned {
		ids = append(ids, id)
	}
	return append([]PacketRecord(nil), pkts...), ids, nil
}

func (m *MemoryBackend) LoadConsole(limit int) ([]ConsoleRecord, error) {
	rows := m.console
	if limit > 0 && len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	return append([]ConsoleRecord(nil), rows...), nil
}

func (m *MemoryBackend) LoadRaw(limit int) ([]RawRecord, error) {
	rows := m.raw
	if limit > 0 && len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	return append([]RawRecord(nil), rows...), nil
}

// pruneRetention keeps only the newest `retention` entries, deleting the
// oldest first, equivalent to "DELETE ... ORDER BY created_at ASC LIMIT
// (count - retention)" (spec §4.8). Pinned packets are exempt.
func pruneRetention[T any](rows []T, retention int, pinned func(T) bool) []T {
	if retention <= 0 || len(rows) <= retention {
		return rows
	}
	excess := len(rows) - retention
	kept := rows[:0]
	dropped := 0
	for _, r := range rows {
		if dropped < excess && !pinned(r) {
			dropped++
			continue
		}
		kept = append(kept, r)
	}
	return kept
}

func (m *MemoryBackend) PrunePackets(retention int) error {
	m.packets = pruneRetention(m.packets, retention, func(p PacketRecord) bool { return m.pinned[p.ID] })
	return nil
}

func (m *MemoryBackend) PruneConsole(retention int) error {
	m.console = pruneRetention(m.console, retention, func(ConsoleRecord) bool { return false })
	return nil
}

func (m *MemoryBackend) PruneRaw(retention int) error {
	m.raw = pruneRetention(m.raw, retention, func(RawRecord) bool { return false })
	return nil
}

func (m *MemoryBackend) DeleteAllConsole() error {
	m.console = nil
	return nil
}

func (m *MemoryBackend) DeleteAllRaw() error {
	m.raw = nil
	return nil
}

func (m *MemoryBackend) SaveNetromSnapshot(s NetromSnapshot) error {
	cp := s
	m.snapshot = &cp
	return nil
}

var errNoSnapshot = errors.New("persist: no netrom snapshot saved yet")

func (m *MemoryBackend) LoadNetromSnapshot() (NetromSnapshot, error) {
	if m.snapshot == nil {
		return NetromSnapshot{}, errNoSnapshot
	}
	return *m.snapshot, nil
}

func (m *MemoryBackend) AggregateAnalytics(timeframe time.Duration, bucket time.Duration, opts AnalyticsOptions) ([]AnalyticsBucket, error) {
	if bucket <= 0 {
		return nil, errors.New("persist: analytics bucket must be positive")
	}
	since := m.now().Add(-timeframe)

	byStart := make(map[time.Time]*AnalyticsBucket)
	for _, p := range m.packets {
		if p.CreatedAt.Before(since) {
			continue
		}
		if opts.FrameType != "" && p.FrameType != opts.FrameType {
			continue
		}
		start := p.CreatedAt.Truncate(bucket)
		b, ok := byStart[start]
		if !ok {
			b = &AnalyticsBucket{Start: start}
			byStart[start] = b
		}
		b.PacketCount++
		b.ByteCount += len(p.Raw)
	}

	out := make([]AnalyticsBucket, 0, len(byStart))
	for _, b := range byStart {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (m *MemoryBackend) PruneNetrom(retentionDays int) error {
	if m.snapshot == nil {
		return nil
	}
	if retentionDays <= 0 {
		return nil
	}
	cutoff := m.now().AddDate(0, 0, -retentionDays)
	if m.snapshot.SnapshotTimestamp.Before(cutoff) {
		m.snapshot = nil
	}
	return nil
}
