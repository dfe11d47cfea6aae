package axdp

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Direction is which side of a transfer this peer plays.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

// Status is a Transfer's lifecycle state. Progression is monotonic except
// Paused <-> Sending.
type Status int

const (
	StatusPending Status = iota
	StatusAwaitingAcceptance
	StatusSending
	StatusPaused
	StatusAwaitingCompletion
	StatusCompleted
	StatusCancelled
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusAwaitingAcceptance:
		return "awaiting_acceptance"
	case StatusSending:
		return "sending"
	case StatusPaused:
		return "paused"
	case StatusAwaitingCompletion:
		return "awaiting_completion"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// TransferErrorKind enumerates the TransferError taxonomy (spec §7).
type TransferErrorKind int

const (
	ErrPeerDeclined TransferErrorKind = iota
	ErrIntegrityMismatch
	ErrCancelledLocally
	ErrCancelledRemotely
	ErrCompressionFailed
	ErrDiskWriteFailed
	ErrDuplicateID
)

// TransferError is the human-readable cause attached to a Failed transfer.
type TransferError struct {
	Kind   TransferErrorKind
	Detail string
}

func (e *TransferError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	switch e.Kind {
	case ErrPeerDeclined:
		return "peer declined transfer"
	case ErrIntegrityMismatch:
		return "integrity check failed"
	case ErrCancelledLocally:
		return "cancelled locally"
	case ErrCancelledRemotely:
		return "cancelled by peer"
	case ErrCompressionFailed:
		return "compression failed"
	case ErrDiskWriteFailed:
		return "failed writing to disk"
	case ErrDuplicateID:
		return "duplicate transfer id"
	default:
		return "transfer failed"
	}
}

// RemoteMetrics captures the receiver-reported timings carried in
// FILE_COMPLETE.
type RemoteMetrics struct {
	ReceiveDuration    time.Duration
	ProcessingDuration time.Duration
}

// Transfer is the engine-visible record of one bulk file transfer.
type Transfer struct {
	ID        string
	Direction Direction
	Peer      PeerID
	FileName  string
	FileSize  int64

	Compression      CompressionSettings
	CompressionAlgo  Algorithm
	ChunkSize        int
	TotalChunks      int
	CompletedChunks  int
	BytesSent        int64
	BytesTransmitted int64

	Status     Status
	FailReason *TransferError

	StartedAt             time.Time
	DataPhaseStart        time.Time
	DataPhaseCompletedAt  time.Time
	CompletedAt           time.Time

	CompressionMetrics *Metrics
	RemoteMetrics      *RemoteMetrics
	FileHash           [sha256.Size]byte

	// sender-side working state
	plaintext        []byte // original bytes, chunked after compression
	transmissionData []byte // possibly-compressed bytes actually sent
	nextToSend       int    // next chunk index not yet transmitted
	pumping          bool   // reentrancy guard around pumpChunks

	// receiver-side working state
	received    map[int][]byte
	destPath    string
	nackedIndex int // gap index already NACKed, -1 when none outstanding
}

// HashHex renders the stored hash as a lowercase hex string for display
// and comparison against the wire's hash field.
func (t *Transfer) HashHex() string {
	return fmt.Sprintf("%x", t.FileHash)
}

// chunkBounds returns the byte range for chunk index i.
func (t *Transfer) chunkBounds(i int) (int, int) {
	start := i * t.ChunkSize
	end := start + t.ChunkSize
	if end > len(t.transmissionData) {
		end = len(t.transmissionData)
	}
	return start, end
}

func computeTotalChunks(size, chunkSize int) int {
	if chunkSize <= 0 {
		return 0
	}
	return (size + chunkSize - 1) / chunkSize
}

// --- wire body encode/decode for FILE_* messages ---
//
// All FILE_* bodies use fixed-order little-endian integers plus
// length-prefixed (uint16 length + bytes) strings, per spec §6.

func putString(buf []byte, s string) []byte {
	var l [2]byte
	binary.LittleEndian.PutUint16(l[:], uint16(len(s)))
	buf = append(buf, l[:]...)
	return append(buf, s...)
}

func getString(buf []byte) (string, []byte, error) {
	if len(buf) < 2 {
		return "", nil, errors.New("axdp: truncated string length")
	}
	n := int(binary.LittleEndian.Uint16(buf))
	buf = buf[2:]
	if len(buf) < n {
		return "", nil, errors.New("axdp: truncated string body")
	}
	return string(buf[:n]), buf[n:], nil
}

func putUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func getUint32(buf []byte) (uint32, []byte, error) {
	if len(buf) < 4 {
		return 0, nil, errors.New("axdp: truncated uint32")
	}
	return binary.LittleEndian.Uint32(buf), buf[4:], nil
}

// FileOfferBody is FILE_OFFER's body.
type FileOfferBody struct {
	TransferID       string
	FileName         string
	FileSize         uint32
	TransmissionSize uint32
	ChunkSize        uint32
	TotalChunks      uint32
	Hash             [sha256.Size]byte
	CompressionAlgo  Algorithm
}

func EncodeFileOffer(b FileOfferBody) []byte {
	var out []byte
	out = putString(out, b.TransferID)
	out = putString(out, b.FileName)
	out = putUint32(out, b.FileSize)
	out = putUint32(out, b.TransmissionSize)
	out = putUint32(out, b.ChunkSize)
	out = putUint32(out, b.TotalChunks)
	out = append(out, b.Hash[:]...)
	out = append(out, byte(b.CompressionAlgo))
	return out
}

func DecodeFileOffer(buf []byte) (FileOfferBody, error) {
	var b FileOfferBody
	var err error
	if b.TransferID, buf, err = getString(buf); err != nil {
		return b, err
	}
	if b.FileName, buf, err = getString(buf); err != nil {
		return b, err
	}
	if b.FileSize, buf, err = getUint32(buf); err != nil {
		return b, err
	}
	if b.TransmissionSize, buf, err = getUint32(buf); err != nil {
		return b, err
	}
	if b.ChunkSize, buf, err = getUint32(buf); err != nil {
		return b, err
	}
	if b.TotalChunks, buf, err = getUint32(buf); err != nil {
		return b, err
	}
	if len(buf) < sha256.Size+1 {
		return b, errors.New("axdp: truncated file offer tail")
	}
	copy(b.Hash[:], buf[:sha256.Size])
	b.CompressionAlgo = Algorithm(buf[sha256.Size])
	return b, nil
}

// FileChunkBody is FILE_CHUNK's body.
type FileChunkBody struct {
	TransferID string
	Index      uint32
	Payload    []byte
}

func EncodeFileChunk(b FileChunkBody) []byte {
	var out []byte
	out = putString(out, b.TransferID)
	out = putUint32(out, b.Index)
	out = append(out, b.Payload...)
	return out
}

func DecodeFileChunk(buf []byte) (FileChunkBody, error) {
	var b FileChunkBody
	var err error
	if b.TransferID, buf, err = getString(buf); err != nil {
		return b, err
	}
	if b.Index, buf, err = getUint32(buf); err != nil {
		return b, err
	}
	b.Payload = append([]byte(nil), buf...)
	return b, nil
}

// FileAckBody is FILE_CHUNK_ACK's body.
type FileAckBody struct {
	TransferID       string
	NextExpectedIndex uint32
}

func EncodeFileAck(b FileAckBody) []byte {
	var out []byte
	out = putString(out, b.TransferID)
	return putUint32(out, b.NextExpectedIndex)
}

func DecodeFileAck(buf []byte) (FileAckBody, error) {
	var b FileAckBody
	var err error
	if b.TransferID, buf, err = getString(buf); err != nil {
		return b, err
	}
	b.NextExpectedIndex, _, err = getUint32(buf)
	return b, err
}

// FileNackBody is FILE_CHUNK_NACK's body.
type FileNackBody struct {
	TransferID   string
	MissingIndex uint32
}

func EncodeFileNack(b FileNackBody) []byte {
	var out []byte
	out = putString(out, b.TransferID)
	return putUint32(out, b.MissingIndex)
}

func DecodeFileNack(buf []byte) (FileNackBody, error) {
	var b FileNackBody
	var err error
	if b.TransferID, buf, err = getString(buf); err != nil {
		return b, err
	}
	b.MissingIndex, _, err = getUint32(buf)
	return b, err
}

// FileCompleteBody is FILE_COMPLETE's body.
type FileCompleteBody struct {
	TransferID         string
	ReceiveDurationMS  uint32
	ProcessingDurationMS uint32
}

func EncodeFileComplete(b FileCompleteBody) []byte {
	var out []byte
	out = putString(out, b.TransferID)
	out = putUint32(out, b.ReceiveDurationMS)
	return putUint32(out, b.ProcessingDurationMS)
}

func DecodeFileComplete(buf []byte) (FileCompleteBody, error) {
	var b FileCompleteBody
	var err error
	if b.TransferID, buf, err = getString(buf); err != nil {
		return b, err
	}
	if b.ReceiveDurationMS, buf, err = getUint32(buf); err != nil {
		return b, err
	}
	b.ProcessingDurationMS, _, err = getUint32(buf)
	return b, err
}

// TransferIDBody is the shared body shape of FILE_ACCEPT, FILE_DECLINE,
// FILE_CANCEL, FILE_PAUSE and FILE_RESUME: just the transfer id.
type TransferIDBody struct {
	TransferID string
}

func EncodeTransferID(b TransferIDBody) []byte {
	return putString(nil, b.TransferID)
}

func DecodeTransferID(buf []byte) (TransferIDBody, error) {
	var b TransferIDBody
	var err error
	b.TransferID, _, err = getString(buf)
	return b, err
}
