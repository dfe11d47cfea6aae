package axdp

import (
	"bytes"
	"compress/flate"
	"io"
	"math"
	"path/filepath"
	"strings"

	"github.com/pierrec/lz4/v4"
)

// Algorithm identifies a transfer's payload compression codec.
type Algorithm uint8

const (
	AlgoNone Algorithm = iota
	AlgoLZ4
	AlgoDeflate
)

func (a Algorithm) String() string {
	switch a {
	case AlgoLZ4:
		return "lz4"
	case AlgoDeflate:
		return "deflate"
	default:
		return "none"
	}
}

// CompressionSettings is a per-transfer or global compression preference.
type CompressionSettings struct {
	Enabled bool
	Algo    Algorithm
}

// Category classifies a compressibility probe's verdict.
type Category int

const (
	CategoryText Category = iota
	CategoryBinaryCompressible
	CategoryAlreadyCompressed
	CategoryRandom
)

// ProbeResult is reported to the user before transmission so they can
// override the automatic compression choice.
type ProbeResult struct {
	Category      Category
	IsCompressible bool
	Reason        string
}

// knownIncompressibleExt are file extensions whose contents are already
// compressed or encoded, matching direwolf-style format sniffing by
// extension as a cheap first signal.
var knownIncompressibleExt = map[string]bool{
	".zip": true, ".gz": true, ".jpg": true, ".jpeg": true, ".png": true,
	".mp3": true, ".mp4": true, ".7z": true, ".xz": true, ".bz2": true,
}

// ProbeCompressibility estimates whether data is worth compressing using
// a byte-entropy estimate plus a file-extension heuristic.
func ProbeCompressibility(fileName string, data []byte) ProbeResult {
	ext := strings.ToLower(filepath.Ext(fileName))
	if knownIncompressibleExt[ext] {
		return ProbeResult{Category: CategoryAlreadyCompressed, IsCompressible: false, Reason: "file extension " + ext + " is already compressed"}
	}

	h := byteEntropy(data)
	switch {
	case h < 4.5:
		return ProbeResult{Category: CategoryText, IsCompressible: true, Reason: "low byte entropy suggests text or structured data"}
	case h < 7.5:
		return ProbeResult{Category: CategoryBinaryCompressible, IsCompressible: true, Reason: "moderate byte entropy suggests compressible binary data"}
	default:
		return ProbeResult{Category: CategoryRandom, IsCompressible: false, Reason: "high byte entropy suggests already-random or already-compressed data"}
	}
}

// byteEntropy computes Shannon entropy in bits/byte over data's byte
// distribution.
func byteEntropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var counts [256]int
	for _, b := range data {
		counts[b]++
	}
	var h float64
	n := float64(len(data))
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}

// Metrics describes the outcome of a compression attempt, surfaced to the
// transfer's compression_metrics field.
type Metrics struct {
	Algorithm      Algorithm
	OriginalSize   int
	OutputSize     int
	WasEffective   bool
}

// Compress applies algo to data, falling back to storing uncompressed
// (WasEffective=false, Algorithm=AlgoNone) when the compressed output is
// not smaller than the original, per spec §4.5.
func Compress(algo Algorithm, data []byte) ([]byte, Metrics, error) {
	if algo == AlgoNone || len(data) == 0 {
		return data, Metrics{Algorithm: AlgoNone, OriginalSize: len(data), OutputSize: len(data)}, nil
	}

	var buf bytes.Buffer
	var err error

	switch algo {
	case AlgoLZ4:
		w := lz4.NewWriter(&buf)
		_, err = w.Write(data)
		if err == nil {
			err = w.Close()
		}
	case AlgoDeflate:
		w, werr := flate.NewWriter(&buf, flate.DefaultCompression)
		if werr != nil {
			return nil, Metrics{}, werr
		}
		_, err = w.Write(data)
		if err == nil {
			err = w.Close()
		}
	}
	if err != nil {
		return nil, Metrics{}, err
	}

	if buf.Len() >= len(data) {
		return data, Metrics{Algorithm: AlgoNone, OriginalSize: len(data), OutputSize: len(data), WasEffective: false}, nil
	}
	return buf.Bytes(), Metrics{Algorithm: algo, OriginalSize: len(data), OutputSize: buf.Len(), WasEffective: true}, nil
}

// Decompress reverses Compress for a receiver that knows the algorithm
// the sender reported in FILE_OFFER.
func Decompress(algo Algorithm, data []byte) ([]byte, error) {
	switch algo {
	case AlgoNone:
		return data, nil
	case AlgoLZ4:
		r := lz4.NewReader(bytes.NewReader(data))
		return io.ReadAll(r)
	case AlgoDeflate:
		r := flate.NewReader(bytes.NewReader(data))
		defer r.Close()
		return io.ReadAll(r)
	default:
		return nil, io.ErrUnexpectedEOF
	}
}
