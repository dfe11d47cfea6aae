package transport

import (
	"time"

	"github.com/axterm/axterm/internal/kiss"
)

// mobilinkdInitSequence builds the one-shot KISS control frames that tune
// a Mobilinkd TNC4 at open: modem type, input/output gain, and battery
// monitoring (spec §4.3).
func mobilinkdInitSequence(cfg MobilinkdConfig) []byte {
	var out []byte
	out = append(out, kiss.EncodeMobilinkdSetModemType(0, cfg.ModemType)...)
	out = append(out, kiss.EncodeMobilinkdSetGain(0, true, cfg.InputGain)...)
	out = append(out, kiss.EncodeMobilinkdSetGain(0, false, cfg.OutputGain)...)
	out = append(out, kiss.EncodeMobilinkdBatteryMonitoring(0, cfg.BatteryMonitoring)...)
	return out
}

// MobilinkdOneShot sends the Mobilinkd one-shot commands exposed on the
// engine's control surface (spec §6). PollInputLevel and AdjustInputLevels
// follow their command with a delayed reset to restart the demodulator.
type MobilinkdOneShot struct {
	send        func(data []byte) error
	resetDelay  time.Duration
}

func NewMobilinkdOneShot(send func(data []byte) error) *MobilinkdOneShot {
	return &MobilinkdOneShot{send: send, resetDelay: 250 * time.Millisecond}
}

func (m *MobilinkdOneShot) PollInputLevel(port byte) error {
	if err := m.send(kiss.EncodeMobilinkdPollInputLevel(port)); err != nil {
		return err
	}
	return m.delayedReset(port)
}

func (m *MobilinkdOneShot) AdjustInputLevels(port byte, level uint8) error {
	if err := m.send(kiss.EncodeMobilinkdSetGain(port, true, level)); err != nil {
		return err
	}
	return m.delayedReset(port)
}

func (m *MobilinkdOneShot) SetInputGain(port byte, level uint8) error {
	return m.send(kiss.EncodeMobilinkdSetGain(port, true, level))
}

func (m *MobilinkdOneShot) Reset(port byte) error {
	return m.send(kiss.EncodeMobilinkdReset(port))
}

func (m *MobilinkdOneShot) delayedReset(port byte) error {
	time.AfterFunc(m.resetDelay, func() {
		_ = m.send(kiss.EncodeMobilinkdReset(port))
	})
	return nil
}
