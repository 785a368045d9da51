package radio

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/banshee-data/uwb.report/internal/monitoring"
	"github.com/banshee-data/uwb.report/internal/serialmux"
)

// Transceiver is what the scheduler drives. Poll must not block on the
// response: responses arrive later through Mailbox.
type Transceiver interface {
	Poll(p Poll) error
	SendReset(anchorID int) error
	Mailbox() *Mailbox
}

// LineStats counts lines seen by a SerialTransceiver reader.
type LineStats struct {
	Responses uint64 `json:"responses"`
	Malformed uint64 `json:"malformed"`
	ResetAcks uint64 `json:"reset_acks"`
	Logs      uint64 `json:"logs"`
	Other     uint64 `json:"other"`
}

// SerialTransceiver speaks the line protocol over a serial mux.
type SerialTransceiver struct {
	mux serialmux.SerialMuxInterface
	box *Mailbox

	responses atomic.Uint64
	malformed atomic.Uint64
	resetAcks atomic.Uint64
	logs      atomic.Uint64
	other     atomic.Uint64
}

// NewSerialTransceiver returns a transceiver over mux. Call Run to start
// reading responses.
func NewSerialTransceiver(mux serialmux.SerialMuxInterface, mailboxSize int) *SerialTransceiver {
	return &SerialTransceiver{mux: mux, box: NewMailbox(mailboxSize)}
}

// Poll writes a POLL line.
func (t *SerialTransceiver) Poll(p Poll) error {
	if err := t.mux.SendCommand(EncodePoll(p)); err != nil {
		return fmt.Errorf("poll anchor %d: %w", p.AnchorID, err)
	}
	return nil
}

// SendReset writes a RESET beacon line.
func (t *SerialTransceiver) SendReset(anchorID int) error {
	if err := t.mux.SendCommand(EncodeReset(anchorID)); err != nil {
		return fmt.Errorf("reset anchor %d: %w", anchorID, err)
	}
	return nil
}

// Mailbox returns the response mailbox.
func (t *SerialTransceiver) Mailbox() *Mailbox { return t.box }

// Run subscribes to the mux and posts every parsed response until ctx is
// done or the mux closes the subscription. It does nothing else with the
// data.
func (t *SerialTransceiver) Run(ctx context.Context) error {
	id, lines := t.mux.Subscribe()
	defer t.mux.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			t.handle(line)
		}
	}
}

func (t *SerialTransceiver) handle(line string) {
	switch serialmux.ClassifyLine(line) {
	case serialmux.LineTypeResponse:
		r, err := ParseResponse(line)
		if err != nil {
			t.malformed.Add(1)
			return
		}
		t.responses.Add(1)
		t.box.Post(r)
	case serialmux.LineTypeReset:
		// Resets are best effort; the ack is only diagnostic.
		t.resetAcks.Add(1)
	case serialmux.LineTypeLog:
		t.logs.Add(1)
		monitoring.Logf("[UWB] %s", line)
	default:
		t.other.Add(1)
	}
}

// Stats returns the reader counters.
func (t *SerialTransceiver) Stats() LineStats {
	return LineStats{
		Responses: t.responses.Load(),
		Malformed: t.malformed.Load(),
		ResetAcks: t.resetAcks.Load(),
		Logs:      t.logs.Load(),
		Other:     t.other.Load(),
	}
}
