package transport

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/pkg/term"
)

// MobilinkdConfig controls the one-shot tuning commands sent at open when a
// Mobilinkd TNC4 is detected or assumed.
type MobilinkdConfig struct {
	Enabled            bool
	ModemType          byte
	InputGain          uint8
	OutputGain         uint8
	BatteryMonitoring  bool
}

// SerialLink owns a USB-serial connection to a TNC such as the Mobilinkd
// TNC4, grounded in the teacher's pkg/term-based kissserial.go.
type SerialLink struct {
	baseLink
	Path          string
	Baud          int
	AutoReconnect bool
	Mobilinkd     MobilinkdConfig

	port   *term.Term
	cancel context.CancelFunc
}

// NewSerialLink constructs a Link for a USB-serial TNC. If path is empty,
// Open scans for a CDC-ACM device via ScanSerialDevices.
func NewSerialLink(path string, baud int) *SerialLink {
	return &SerialLink{Path: path, Baud: baud}
}

func (l *SerialLink) Kind() Kind { return KindSerial }

func (l *SerialLink) EndpointDescription() string {
	if l.Path == "" {
		return "serial:auto"
	}
	return "serial:" + l.Path
}

func (l *SerialLink) Open(ctx context.Context) error {
	l.setState(Connecting)

	path := l.Path
	if path == "" {
		candidates, err := ScanSerialDevices()
		if err != nil || len(candidates) == 0 {
			l.setState(Failed)
			return &Error{Op: "connect", Endpoint: l.EndpointDescription(), Err: fmt.Errorf("no serial device found: %w", err)}
		}
		path = candidates[0]
	}

	t, err := term.Open(path, term.Speed(l.Baud), term.RawMode)
	if err != nil {
		l.setState(Failed)
		return &Error{Op: "connect", Endpoint: path, Err: err}
	}
	l.port = t
	l.Path = path

	if l.Mobilinkd.Enabled {
		l.sendMobilinkdInit()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.setState(Connected)

	go l.readLoop(runCtx)
	if l.AutoReconnect {
		go l.reconnectLoop(runCtx)
	}
	return nil
}

func (l *SerialLink) sendMobilinkdInit() {
	// Vendor telemetry probe and tuning; errors are reported but do not
	// fail Open — a misconfigured TNC4 can still pass plain KISS traffic.
	if _, err := l.port.Write(mobilinkdInitSequence(l.Mobilinkd)); err != nil {
		l.reportError(fmt.Sprintf("mobilinkd init: %v", err))
	}
}

func (l *SerialLink) readLoop(ctx context.Context) {
	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := l.port.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			l.deliver(chunk)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.reportError(err.Error())
			l.setState(Failed)
			return
		}
	}
}

// reconnectLoop retries with exponential backoff while the link is Failed
// and auto-reconnect is enabled, until the caller cancels ctx via Close.
func (l *SerialLink) reconnectLoop(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if l.State() != Failed {
			backoff = time.Second
			continue
		}
		if err := l.Open(ctx); err != nil {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		return
	}
}

func (l *SerialLink) Send(ctx context.Context, data []byte) error {
	if l.State() != Connected {
		return &Error{Op: "send", Endpoint: l.EndpointDescription(), Err: ErrNotConnected}
	}
	if _, err := l.port.Write(data); err != nil {
		l.setState(Failed)
		return &Error{Op: "send", Endpoint: l.EndpointDescription(), Err: err}
	}
	return nil
}

func (l *SerialLink) Close() error {
	if l.cancel != nil {
		l.cancel()
	}
	var err error
	if l.port != nil {
		err = l.port.Close()
	}
	l.setState(Disconnected)
	return err
}

// fallbackSerialGlob is used on platforms without a udev device database.
const fallbackSerialGlob = "/dev/ttyACM*"

func fallbackScan() ([]string, error) {
	matches, err := filepath.Glob(fallbackSerialGlob)
	if err != nil {
		return nil, err
	}
	return matches, nil
}
