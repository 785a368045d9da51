package serialmux

import (
	"bytes"
	"errors"
	"strings"
	"sync"
)

// maxWritten bounds the write history kept by a MemPort.
const maxWritten = 256

// ErrPortClosed is returned by MemPort after Close.
var ErrPortClosed = errors.New("serial port closed")

// MemPort implements SerialPorter in memory for tests and the radio
// simulator. Reads block until data is fed or the port is closed; writes are
// captured line by line. OnWrite, when set, is called with each written line
// outside the port lock so a simulated module can answer polls.
type MemPort struct {
	mu       sync.Mutex
	cond     *sync.Cond
	readBuf  bytes.Buffer
	written  []string
	closed   bool
	writeErr error

	OnWrite func(line string)
}

// NewMemPort returns an open MemPort.
func NewMemPort() *MemPort {
	p := &MemPort{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Read blocks until data is available or the port is closed.
func (p *MemPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.closed && p.readBuf.Len() == 0 {
		p.cond.Wait()
	}
	if p.closed && p.readBuf.Len() == 0 {
		return 0, ErrPortClosed
	}
	return p.readBuf.Read(b)
}

// Write records the written lines.
func (p *MemPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrPortClosed
	}
	if p.writeErr != nil {
		err := p.writeErr
		p.mu.Unlock()
		return 0, err
	}
	lines := strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	p.written = append(p.written, lines...)
	if n := len(p.written); n > maxWritten {
		p.written = append(p.written[:0], p.written[n-maxWritten:]...)
	}
	hook := p.OnWrite
	p.mu.Unlock()

	if hook != nil {
		for _, l := range lines {
			hook(l)
		}
	}
	return len(b), nil
}

// Close wakes any blocked reader.
func (p *MemPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
	return nil
}

// Feed makes line (newline appended) available to readers.
func (p *MemPort) Feed(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readBuf.WriteString(line)
	p.readBuf.WriteByte('\n')
	p.cond.Broadcast()
}

// Written returns a copy of the most recent written lines.
func (p *MemPort) Written() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.written...)
}

// FailWrites makes every subsequent write return err; nil restores writes.
func (p *MemPort) FailWrites(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr = err
}
