package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/uwb.report/internal/geom"
	"github.com/banshee-data/uwb.report/internal/monitoring"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func quiet(t *testing.T) {
	t.Helper()
	prev := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(prev) })
}

func sampleRecord(seq uint64, at time.Time) Record {
	return Record{
		SessionID:    "s-1",
		TagID:        1,
		Sequence:     seq,
		Timestamp:    at,
		Valid:        true,
		Position:     geom.Point{X: 12.5, Y: 7.25},
		Velocity:     geom.Point{X: 1, Y: -0.5},
		Speed:        1.118,
		Zone:         "Centro_Campo",
		SolverStatus: SolverOK,
		AnchorsUsed:  5,
		Anchors:      []AnchorRecord{{ID: 10, Usable: true, Distance: 14.1}},
	}
}

func TestPublisherThrottles(t *testing.T) {
	p := NewPublisher(100 * time.Millisecond)
	_, ch := p.Subscribe(8)

	assert.True(t, p.Publish(sampleRecord(1, t0)))
	assert.False(t, p.Publish(sampleRecord(2, t0.Add(50*time.Millisecond))))
	assert.True(t, p.Publish(sampleRecord(3, t0.Add(100*time.Millisecond))))

	assert.Equal(t, uint64(1), (<-ch).Sequence)
	assert.Equal(t, uint64(3), (<-ch).Sequence)
	latest, ok := p.Latest()
	require.True(t, ok)
	assert.Equal(t, uint64(3), latest.Sequence)
	assert.Equal(t, PublisherStats{Published: 2, Throttled: 1, Subscribers: 1}, p.Stats())
}

func TestPublisherDropsForSlowSubscriber(t *testing.T) {
	quiet(t)
	p := NewPublisher(0)
	_, slow := p.Subscribe(1)
	_, fast := p.Subscribe(4)

	for i := uint64(1); i <= 3; i++ {
		require.True(t, p.Publish(sampleRecord(i, t0.Add(time.Duration(i)*time.Second))))
	}
	assert.Len(t, fast, 3)
	assert.Len(t, slow, 1)
	assert.Equal(t, uint64(2), p.Stats().Dropped)
}

func TestPublisherCloseEndsSubscriptions(t *testing.T) {
	p := NewPublisher(0)
	id, ch := p.Subscribe(1)
	p.Close()
	_, ok := <-ch
	assert.False(t, ok)
	p.Unsubscribe(id)
	assert.False(t, p.Publish(sampleRecord(1, t0)))

	_, late := p.Subscribe(1)
	_, ok = <-late
	assert.False(t, ok)
}

func TestRecordStruct(t *testing.T) {
	s, err := sampleRecord(7, t0).Struct()
	require.NoError(t, err)
	m := s.AsMap()
	assert.Equal(t, "Centro_Campo", m["zone"])
	assert.Equal(t, float64(7), m["sequence"])
	assert.Equal(t, 12.5, m["position"].(map[string]interface{})["x"])
	assert.Len(t, m["anchors"], 1)
}

func TestRangingCSV(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewRangingWriter(&buf)
	require.NoError(t, err)
	rows := []RangingRow{
		{TagID: 1, At: time.UnixMilli(1000), AnchorID: 10, Raw: 12.3456, Filtered: 12.3, Quality: -71.5, Status: 1},
		{TagID: 1, At: time.UnixMilli(1100), AnchorID: 20, Raw: 80, Filtered: 11, Quality: -95, Status: 0},
	}
	for _, r := range rows {
		require.NoError(t, w.Write(r))
	}
	require.NoError(t, w.Flush())
	assert.Equal(t, uint64(2), w.Rows())
	assert.True(t, strings.HasPrefix(buf.String(), strings.Join(RangingHeader, ",")+"\n"))

	got, err := ReadRanging(&buf)
	require.NoError(t, err)
	if diff := cmp.Diff(rows, got); diff != "" {
		t.Errorf("ReadRanging mismatch (-want +got):\n%s", diff)
	}
}

func TestReadRangingWithoutStatusColumn(t *testing.T) {
	in := "Tag_ID,Timestamp_ms,Anchor_ID,Raw_Distance_m,Filtered_Distance_m,Signal_Power_dBm\n" +
		"1,500,30,4.5,4.4,-60\n"
	got, err := ReadRanging(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Status)
	assert.Equal(t, 30, got[0].AnchorID)
}

func TestReadRangingRejectsBadInput(t *testing.T) {
	for name, in := range map[string]string{
		"empty":          "",
		"missing column": "Tag_ID,Timestamp_ms\n1,2\n",
		"bad number":     strings.Join(RangingHeader, ",") + "\n1,abc,10,1,1,-60,1\n",
		"zero timestamp": strings.Join(RangingHeader, ",") + "\n1,0,10,1,1,-60,1\n",
		"negative time":  strings.Join(RangingHeader, ",") + "\n1,-500,10,1,1,-60,1\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ReadRanging(strings.NewReader(in))
			assert.ErrorIs(t, err, ErrBadCSV)
		})
	}
}

func TestPositionWriterSkipsInvalid(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewPositionWriter(&buf)
	require.NoError(t, err)
	require.NoError(t, w.Write(Record{Timestamp: t0}))
	require.NoError(t, w.Write(sampleRecord(1, time.UnixMilli(2500))))
	require.NoError(t, w.Flush())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "2500,12.500,7.250,1.000,-0.500,1.118,Centro_Campo,5,ok", lines[1])
}

func TestGRPCStream(t *testing.T) {
	quiet(t)
	pub := NewPublisher(0)
	srv := NewServer(pub)

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	srv.Register(gs)
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan *structpb.Struct, 1)
	go NewClient(conn).Stream(ctx, func(m *structpb.Struct) error {
		got <- m
		return context.Canceled
	})

	require.Eventually(t, func() bool { return pub.Stats().Subscribers == 1 }, 5*time.Second, 5*time.Millisecond)
	pub.Publish(sampleRecord(42, t0))

	select {
	case m := <-got:
		assert.Equal(t, float64(42), m.AsMap()["sequence"])
		assert.Equal(t, "s-1", m.AsMap()["session_id"])
	case <-ctx.Done():
		t.Fatal("no telemetry received")
	}
}

func TestUDPSink(t *testing.T) {
	quiet(t)
	lc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lc.Close()

	sink, err := DialUDP(lc.LocalAddr().String())
	require.NoError(t, err)
	defer sink.Close()

	pub := NewPublisher(0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sink.Run(ctx, pub)
	require.Eventually(t, func() bool { return pub.Stats().Subscribers == 1 }, time.Second, time.Millisecond)

	pub.Publish(sampleRecord(9, t0))

	require.NoError(t, lc.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 65536)
	n, _, err := lc.ReadFrom(buf)
	require.NoError(t, err)

	var r Record
	require.NoError(t, json.Unmarshal(buf[:n], &r))
	assert.Equal(t, uint64(9), r.Sequence)
	assert.Equal(t, uint64(1), sink.Sent())
}
