package radio

import (
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/uwb.report/internal/config"
	"github.com/banshee-data/uwb.report/internal/geom"
	"github.com/banshee-data/uwb.report/internal/serialmux"
)

// Responder answers a poll the way an anchor would. ok is false when the
// anchor does not answer.
type Responder interface {
	Respond(p Poll) (r Response, ok bool)
}

// Outage silences one anchor for a window measured from simulator start.
type Outage struct {
	AnchorID int
	From, To time.Duration
}

// SimConfig shapes the simulated tag and radio channel.
type SimConfig struct {
	// Waypoints is the closed patrol path. Empty uses a loop inside the
	// site bounds.
	Waypoints []geom.Point
	Speed     float64 // m/s along the path
	NoiseStd  float64 // metres
	// DropoutProb is the chance any single poll goes unanswered.
	DropoutProb float64
	// GhostProb is the chance of a multipath reading far beyond the truth.
	GhostProb float64
	Latency   time.Duration
	Outages   []Outage
	Seed      uint64
}

// DefaultSimConfig returns a jogging-pace patrol with mild noise.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		Speed:       2.5,
		NoiseStd:    0.05,
		DropoutProb: 0.02,
		GhostProb:   0.01,
		Latency:     3 * time.Millisecond,
		Seed:        1,
	}
}

// Simulator produces ranging responses for a tag moving along a patrol.
type Simulator struct {
	sys   *config.System
	cfg   SimConfig
	start time.Time

	path    []geom.Point
	cumLen  []float64
	loopLen float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulator returns a simulator whose clock starts at start.
func NewSimulator(sys *config.System, cfg SimConfig, start time.Time) *Simulator {
	path := cfg.Waypoints
	if len(path) == 0 {
		path = patrol(sys.Bounds)
	}
	s := &Simulator{
		sys:   sys,
		cfg:   cfg,
		start: start,
		path:  path,
		rng:   rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
	s.cumLen = make([]float64, len(path)+1)
	for i := range path {
		next := path[(i+1)%len(path)]
		s.cumLen[i+1] = s.cumLen[i] + path[i].Dist(next)
	}
	s.loopLen = s.cumLen[len(path)]
	return s
}

func patrol(b geom.Rect) []geom.Point {
	w, h := b.MaxX-b.MinX, b.MaxY-b.MinY
	at := func(fx, fy float64) geom.Point {
		return geom.Point{X: b.MinX + fx*w, Y: b.MinY + fy*h}
	}
	return []geom.Point{
		at(0.15, 0.2), at(0.85, 0.2), at(0.85, 0.8), at(0.5, 0.5), at(0.15, 0.8),
	}
}

// TruthAt returns the simulated tag position at t.
func (s *Simulator) TruthAt(t time.Time) geom.Point {
	if len(s.path) == 1 || s.loopLen == 0 {
		return s.path[0]
	}
	d := math.Mod(t.Sub(s.start).Seconds()*s.cfg.Speed, s.loopLen)
	if d < 0 {
		d += s.loopLen
	}
	for i := range s.path {
		if d <= s.cumLen[i+1] {
			seg := s.cumLen[i+1] - s.cumLen[i]
			if seg == 0 {
				return s.path[i]
			}
			f := (d - s.cumLen[i]) / seg
			a, b := s.path[i], s.path[(i+1)%len(s.path)]
			return geom.Point{X: a.X + f*(b.X-a.X), Y: a.Y + f*(b.Y-a.Y)}
		}
	}
	return s.path[0]
}

func (s *Simulator) silenced(anchorID int, t time.Time) bool {
	el := t.Sub(s.start)
	for _, o := range s.cfg.Outages {
		if o.AnchorID == anchorID && el >= o.From && el < o.To {
			return true
		}
	}
	return false
}

// Respond implements Responder.
func (s *Simulator) Respond(p Poll) (Response, bool) {
	slot, ok := s.sys.SlotOf(p.AnchorID)
	if !ok || s.silenced(p.AnchorID, p.TxAt) {
		return Response{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rng.Float64() < s.cfg.DropoutProb {
		return Response{}, false
	}

	truth := s.TruthAt(p.TxAt).Dist(s.sys.Anchors[slot].Position)
	dist := truth + s.rng.NormFloat64()*s.cfg.NoiseStd
	quality := -45 - 20*math.Log10(math.Max(truth, 0.5)) + s.rng.NormFloat64()*2
	if s.rng.Float64() < s.cfg.GhostProb {
		dist += 5 + s.rng.Float64()*80
		quality -= 6
	}
	if dist < 0 {
		dist = 0
	}
	return Response{
		Seq:      p.Seq,
		AnchorID: p.AnchorID,
		Distance: dist,
		Quality:  quality,
		RxAt:     p.TxAt.Add(s.cfg.Latency),
	}, true
}

// NewSimulatedPort returns an in-memory serial port that behaves like the
// UWB module: each POLL line is answered by sim after its latency and each
// RESET line is acknowledged.
func NewSimulatedPort(sim *Simulator) *serialmux.MemPort {
	port := serialmux.NewMemPort()
	port.OnWrite = func(line string) {
		switch {
		case strings.HasPrefix(line, "POLL,"):
			p, err := ParsePoll(line)
			if err != nil {
				return
			}
			resp, ok := sim.Respond(p)
			if !ok {
				return
			}
			out := EncodeResponse(resp)
			time.AfterFunc(sim.cfg.Latency, func() { port.Feed(out) })
		case strings.HasPrefix(line, "RESET,"):
			id, err := strconv.Atoi(strings.TrimPrefix(line, "RESET,"))
			if err == nil {
				port.Feed("RACK," + strconv.Itoa(id))
			}
		}
	}
	return port
}

// Loopback is a Transceiver that answers polls synchronously through a
// Responder. The response is in the mailbox before Poll returns, which makes
// scheduler runs deterministic.
type Loopback struct {
	r      Responder
	box    *Mailbox
	mu     sync.Mutex
	polls  []Poll
	resets []int
}

// NewLoopback returns a loopback transceiver over r.
func NewLoopback(r Responder) *Loopback {
	return &Loopback{r: r, box: NewMailbox(DefaultMailboxSize)}
}

// Poll implements Transceiver.
func (l *Loopback) Poll(p Poll) error {
	l.mu.Lock()
	l.polls = append(l.polls, p)
	l.mu.Unlock()
	if resp, ok := l.r.Respond(p); ok {
		l.box.Post(resp)
	}
	return nil
}

// SendReset implements Transceiver.
func (l *Loopback) SendReset(anchorID int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resets = append(l.resets, anchorID)
	return nil
}

// Mailbox implements Transceiver.
func (l *Loopback) Mailbox() *Mailbox { return l.box }

// Polls returns the polls sent so far.
func (l *Loopback) Polls() []Poll {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Poll(nil), l.polls...)
}

// Resets returns the anchors that were sent a reset beacon.
func (l *Loopback) Resets() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int(nil), l.resets...)
}
