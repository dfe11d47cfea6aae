package transport

import (
	"context"
	"fmt"
	"os"

	"github.com/creack/pty"
)

// PTYLink exposes the engine's raw KISS byte stream through a pseudo
// terminal, grounded in the teacher's kisspt_open_pt (kiss.go): rather than
// attaching to a physical TNC, a local client (a terminal emulator, or an
// integration test) opens the slave side directly and exchanges bytes as
// though it were a serial TNC. Useful for development without hardware and
// for exercising SerialLink-shaped consumers in tests.
type PTYLink struct {
	baseLink

	master    *os.File
	slaveName string
	cancel    context.CancelFunc
}

// NewPTYLink constructs an unopened pseudo-terminal link.
func NewPTYLink() *PTYLink { return &PTYLink{} }

func (l *PTYLink) Kind() Kind { return KindSerial }

func (l *PTYLink) EndpointDescription() string {
	if l.slaveName == "" {
		return "pty:unopened"
	}
	return "pty:" + l.slaveName
}

// SlavePath returns the path a client should open once Open has succeeded.
func (l *PTYLink) SlavePath() string { return l.slaveName }

func (l *PTYLink) Open(ctx context.Context) error {
	l.setState(Connecting)

	ptmx, pts, err := pty.Open()
	if err != nil {
		l.setState(Failed)
		return &Error{Op: "connect", Endpoint: "pty", Err: fmt.Errorf("open pty: %w", err)}
	}
	l.master = ptmx
	l.slaveName = pts.Name()
	_ = pts.Close() // the client reopens it by path; we only need the name

	runCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.setState(Connected)

	go l.readLoop(runCtx)
	return nil
}

func (l *PTYLink) readLoop(ctx context.Context) {
	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := l.master.Read(buf)
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

func (l *PTYLink) Send(ctx context.Context, data []byte) error {
	if l.State() != Connected {
		return &Error{Op: "send", Endpoint: l.EndpointDescription(), Err: ErrNotConnected}
	}
	if _, err := l.master.Write(data); err != nil {
		l.setState(Failed)
		return &Error{Op: "send", Endpoint: l.EndpointDescription(), Err: err}
	}
	return nil
}

func (l *PTYLink) Close() error {
	if l.cancel != nil {
		l.cancel()
	}
	var err error
	if l.master != nil {
		err = l.master.Close()
	}
	l.setState(Disconnected)
	return err
}
