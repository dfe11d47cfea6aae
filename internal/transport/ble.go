package transport

import (
	"context"
	"time"
)

// BLECentral is the minimal GATT surface BLELink needs from a concrete
// Bluetooth Low Energy stack. No example in the reference pool ships a
// usable pure-Go BLE central, so the real adapter (e.g.
// tinygo.org/x/bluetooth, or currantlabs/ble as seen in the wider
// ecosystem) is isolated behind this interface and substituted at
// construction time; BLELink itself only knows about connect/subscribe/
// write-MTU semantics.
type BLECentral interface {
	Connect(ctx context.Context, peripheralID string) error
	Disconnect() error
	SubscribeTX(onNotify func(data []byte)) error
	WriteRX(data []byte) error
	MTU() int
}

// BLELink connects to a BLE peripheral TNC (e.g. a Mobilinkd TNC4 over its
// BLE UART service) identified by a stable platform peripheral ID.
type BLELink struct {
	baseLink
	PeripheralID  string
	Name          string
	AutoReconnect bool

	central BLECentral
	cancel  context.CancelFunc
}

// NewBLELink constructs a Link over the given central implementation.
func NewBLELink(peripheralID, name string, central BLECentral) *BLELink {
	return &BLELink{PeripheralID: peripheralID, Name: name, central: central}
}

func (l *BLELink) Kind() Kind { return KindBLE }

func (l *BLELink) EndpointDescription() string {
	if l.Name != "" {
		return l.Name + " (" + l.PeripheralID + ")"
	}
	return l.PeripheralID
}

func (l *BLELink) Open(ctx context.Context) error {
	l.setState(Connecting)

	if err := l.central.Connect(ctx, l.PeripheralID); err != nil {
		l.setState(Failed)
		return &Error{Op: "connect", Endpoint: l.EndpointDescription(), Err: err}
	}

	if err := l.central.SubscribeTX(func(data []byte) {
		l.deliver(data)
	}); err != nil {
		l.setState(Failed)
		return &Error{Op: "connect", Endpoint: l.EndpointDescription(), Err: err}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.setState(Connected)

	if l.AutoReconnect {
		go l.reconnectLoop(runCtx)
	}
	return nil
}

func (l *BLELink) reconnectLoop(ctx context.Context) {
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

// Send chunks outbound writes to the peripheral's negotiated MTU.
func (l *BLELink) Send(ctx context.Context, data []byte) error {
	if l.State() != Connected {
		return &Error{Op: "send", Endpoint: l.EndpointDescription(), Err: ErrNotConnected}
	}
	mtu := l.central.MTU()
	if mtu <= 0 {
		mtu = len(data)
	}
	for off := 0; off < len(data); off += mtu {
		end := off + mtu
		if end > len(data) {
			end = len(data)
		}
		if err := l.central.WriteRX(data[off:end]); err != nil {
			l.setState(Failed)
			return &Error{Op: "send", Endpoint: l.EndpointDescription(), Err: err}
		}
	}
	return nil
}

func (l *BLELink) Close() error {
	if l.cancel != nil {
		l.cancel()
	}
	err := l.central.Disconnect()
	l.setState(Disconnected)
	return err
}
