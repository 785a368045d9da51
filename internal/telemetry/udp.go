package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/banshee-data/uwb.report/internal/monitoring"
)

// UDPSink sends each record as one JSON datagram.
type UDPSink struct {
	conn   *net.UDPConn
	sent   atomic.Uint64
	errors atomic.Uint64
}

// DialUDP returns a sink sending to addr.
func DialUDP(addr string) (*UDPSink, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve udp metrics address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial udp metrics address: %w", err)
	}
	return &UDPSink{conn: conn}, nil
}

// Send writes r as a datagram.
func (u *UDPSink) Send(r Record) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if _, err := u.conn.Write(b); err != nil {
		u.errors.Add(1)
		return err
	}
	u.sent.Add(1)
	return nil
}

// Run forwards published records until ctx is done. Send errors are
// logged and skipped.
func (u *UDPSink) Run(ctx context.Context, pub *Publisher) error {
	id, records := pub.Subscribe(DefaultSubscriberBuffer)
	defer pub.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r, ok := <-records:
			if !ok {
				return nil
			}
			if err := u.Send(r); err != nil && u.errors.Load()%100 == 1 {
				monitoring.Logf("[UDP] metrics send failed: %v", err)
			}
		}
	}
}

// Sent returns how many datagrams were written.
func (u *UDPSink) Sent() uint64 { return u.sent.Load() }

// Close closes the socket.
func (u *UDPSink) Close() error { return u.conn.Close() }
