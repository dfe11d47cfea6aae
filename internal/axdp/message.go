// Package axdp implements the application-level protocol layered over
// AX.25 connected-mode sessions: capability discovery, chat reassembly,
// and chunked bulk file transfer with compression and at-most-once
// delivery.
package axdp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic is the 4-byte prefix identifying an AXDP PDU inside an I-frame's
// info field (PID 0xF0).
var Magic = [4]byte{'A', 'X', 'D', 'P'}

// ProtoVersion is the version this implementation speaks.
const ProtoVersion = 1

// Type enumerates AXDP message types.
type Type uint8

const (
	TypePing Type = iota + 1
	TypePong
	TypeChat
	TypeFileOffer
	TypeFileAccept
	TypeFileDecline
	TypeFileChunk
	TypeFileChunkAck
	TypeFileChunkNack
	TypeFileComplete
	TypeFileCancel
	TypeFilePause
	TypeFileResume
)

// FlagEndOfMessage marks the final fragment of a reassembled CHAT message.
const FlagEndOfMessage uint8 = 0x01

// Message is one AXDP PDU.
type Message struct {
	Type    Type
	Version uint8
	Flags   uint8
	Seq     uint16
	Body    []byte
}

var (
	ErrShortHeader = errors.New("axdp: header shorter than 11 bytes")
	ErrBadMagic    = errors.New("axdp: bad magic prefix")
	ErrShortBody   = errors.New("axdp: body shorter than declared body_length")
)

const headerLen = 4 + 1 + 1 + 1 + 2 + 2 // magic, type, version, flags, seq, body_length

// Encode serializes a Message to wire bytes.
func Encode(m Message) []byte {
	out := make([]byte, 0, headerLen+len(m.Body))
	out = append(out, Magic[:]...)
	out = append(out, byte(m.Type), m.Version, m.Flags)
	var seqBuf, lenBuf [2]byte
	binary.BigEndian.PutUint16(seqBuf[:], m.Seq)
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(m.Body)))
	out = append(out, seqBuf[:]...)
	out = append(out, lenBuf[:]...)
	out = append(out, m.Body...)
	return out
}

// Decode parses one Message from the front of buf and reports how many
// bytes it consumed. Remaining bytes belong to the next message and may
// span a subsequent I-frame — callers retain them and call Decode again
// once more bytes arrive.
func Decode(buf []byte) (Message, int, error) {
	if len(buf) < headerLen {
		return Message{}, 0, ErrShortHeader
	}
	if buf[0] != Magic[0] || buf[1] != Magic[1] || buf[2] != Magic[2] || buf[3] != Magic[3] {
		return Message{}, 0, ErrBadMagic
	}

	m := Message{
		Type:    Type(buf[4]),
		Version: buf[5],
		Flags:   buf[6],
		Seq:     binary.BigEndian.Uint16(buf[7:9]),
	}
	bodyLen := int(binary.BigEndian.Uint16(buf[9:11]))
	total := headerLen + bodyLen
	if len(buf) < total {
		return Message{}, 0, ErrShortBody
	}
	m.Body = append([]byte(nil), buf[headerLen:total]...)
	return m, total, nil
}

// Reassembler accumulates PDU bytes across frame boundaries, since AXDP
// messages may span multiple I-frames.
type Reassembler struct {
	buf []byte
}

// Feed appends newly received I-frame info bytes and drains as many
// complete messages as are now available.
func (r *Reassembler) Feed(chunk []byte) ([]Message, error) {
	r.buf = append(r.buf, chunk...)

	var out []Message
	for {
		if len(r.buf) < headerLen {
			return out, nil
		}
		m, n, err := Decode(r.buf)
		if err != nil {
			if errors.Is(err, ErrShortBody) {
				return out, nil // wait for more bytes
			}
			return out, fmt.Errorf("axdp: reassembler: %w", err)
		}
		out = append(out, m)
		r.buf = r.buf[n:]
	}
}
