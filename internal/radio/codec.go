// Package radio carries ranging exchanges between the control loop and the
// UWB module. Polls go out as text lines; responses come back on a reader
// goroutine that only parses them and posts them to a Mailbox.
//
// Line protocol:
//
//	POLL,<seq>,<anchorID>,<txUnixMicros>                       host → module
//	RESP,<seq>,<anchorID>,<distance_m>,<quality_dBm>,<rxUnixMicros>  module → host
//	RESET,<anchorID>                                           host → module
package radio

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrMalformed is returned for lines that do not parse.
var ErrMalformed = errors.New("malformed radio line")

// Poll is a ranging request for one anchor.
type Poll struct {
	Seq      uint32
	AnchorID int
	TxAt     time.Time
}

// Response is the module's answer to a Poll.
type Response struct {
	Seq      uint32
	AnchorID int
	Distance float64 // metres
	Quality  float64 // dBm
	RxAt     time.Time
}

// EncodePoll formats p as a line without the trailing newline.
func EncodePoll(p Poll) string {
	return fmt.Sprintf("POLL,%d,%d,%d", p.Seq, p.AnchorID, p.TxAt.UnixMicro())
}

// EncodeReset formats a reset beacon for anchorID.
func EncodeReset(anchorID int) string {
	return fmt.Sprintf("RESET,%d", anchorID)
}

// EncodeResponse formats r as a line. Used by the simulator.
func EncodeResponse(r Response) string {
	return fmt.Sprintf("RESP,%d,%d,%.4f,%.1f,%d",
		r.Seq, r.AnchorID, r.Distance, r.Quality, r.RxAt.UnixMicro())
}

// ParsePoll parses a POLL line.
func ParsePoll(line string) (Poll, error) {
	f := strings.Split(strings.TrimSpace(line), ",")
	if len(f) != 4 || f[0] != "POLL" {
		return Poll{}, fmt.Errorf("%w: %q", ErrMalformed, line)
	}
	seq, err1 := strconv.ParseUint(f[1], 10, 32)
	id, err2 := strconv.Atoi(f[2])
	tx, err3 := strconv.ParseInt(f[3], 10, 64)
	if err := errors.Join(err1, err2, err3); err != nil {
		return Poll{}, fmt.Errorf("%w: %q: %v", ErrMalformed, line, err)
	}
	return Poll{Seq: uint32(seq), AnchorID: id, TxAt: time.UnixMicro(tx)}, nil
}

// ParseResponse parses a RESP line.
func ParseResponse(line string) (Response, error) {
	f := strings.Split(strings.TrimSpace(line), ",")
	if len(f) != 6 || f[0] != "RESP" {
		return Response{}, fmt.Errorf("%w: %q", ErrMalformed, line)
	}
	seq, err1 := strconv.ParseUint(f[1], 10, 32)
	id, err2 := strconv.Atoi(f[2])
	dist, err3 := strconv.ParseFloat(f[3], 64)
	q, err4 := strconv.ParseFloat(f[4], 64)
	rx, err5 := strconv.ParseInt(f[5], 10, 64)
	if err := errors.Join(err1, err2, err3, err4, err5); err != nil {
		return Response{}, fmt.Errorf("%w: %q: %v", ErrMalformed, line, err)
	}
	return Response{
		Seq:      uint32(seq),
		AnchorID: id,
		Distance: dist,
		Quality:  q,
		RxAt:     time.UnixMicro(rx),
	}, nil
}
