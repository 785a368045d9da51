// Package telemetry fans pipeline state out to observers: in-process
// subscribers (websocket, gRPC stream), a UDP datagram sink and the ranging
// CSV recorder.
package telemetry

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/uwb.report/internal/geom"
)

// Solver status values carried in Record.SolverStatus.
const (
	SolverOK           = "ok"
	SolverInsufficient = "insufficient_anchors"
	SolverDegenerate   = "degenerate"
	SolverIdle         = "idle"
)

// AnchorRecord is the per-anchor part of a Record.
type AnchorRecord struct {
	ID          int       `json:"id"`
	Usable      bool      `json:"usable"`
	Fresh       bool      `json:"fresh"`
	Distance    float64   `json:"distance"`
	Variance    float64   `json:"variance"`
	LastRaw     float64   `json:"last_raw"`
	LastQuality float64   `json:"last_quality"`
	LastSeen    time.Time `json:"last_seen"`
	Exchanges   uint64    `json:"exchanges"`
	Failures    uint64    `json:"failures"`
	Rejections  uint64    `json:"rejections"`
}

// Record is one cycle's telemetry.
type Record struct {
	SessionID    string         `json:"session_id"`
	TagID        int            `json:"tag_id"`
	Sequence     uint64         `json:"sequence"`
	Timestamp    time.Time      `json:"timestamp"`
	Valid        bool           `json:"valid"`
	Position     geom.Point     `json:"position"`
	Velocity     geom.Point     `json:"velocity"`
	Speed        float64        `json:"speed"`
	PositionStd  float64        `json:"position_std"`
	Zone         string         `json:"zone"`
	SolverStatus string         `json:"solver_status"`
	AnchorsUsed  int            `json:"anchors_used"`
	Residual     float64        `json:"residual"`
	InBounds     bool           `json:"in_bounds"`
	Anchors      []AnchorRecord `json:"anchors"`
}

// Struct converts r to a protobuf Struct for the gRPC stream. Field names
// match the JSON encoding.
func (r Record) Struct() (*structpb.Struct, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return structpb.NewStruct(m)
}
