package visualiser

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/banshee-data/cloudbridge/internal/bridge/frame"
	"github.com/banshee-data/cloudbridge/internal/bridge/handoff"
	"github.com/banshee-data/cloudbridge/internal/bridge/render"
)

type fakeResetter struct {
	ref *frame.ReferenceFrame
	err error
}

func (f *fakeResetter) ResetReference() (*frame.ReferenceFrame, error) { return f.ref, f.err }

type harness struct {
	slot   *handoff.LatestSlot[*frame.ProcessedFrame]
	pub    *Publisher
	client *Client
}

func newHarness(t *testing.T, cfg Config, resetter Resetter) *harness {
	t.Helper()
	slot := handoff.NewLatestSlot[*frame.ProcessedFrame]()
	pub := NewPublisher(cfg, render.NewAdapter(slot, render.Options{}), resetter)

	lis := bufconn.Listen(1 << 20)
	require.NoError(t, pub.Serve(lis))
	t.Cleanup(pub.Stop)

	client, err := Dial("passthrough://bufconn",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return &harness{slot: slot, pub: pub, client: client}
}

func (h *harness) waitClients(t *testing.T, n int32) {
	t.Helper()
	require.Eventually(t, func() bool { return h.pub.Stats().Clients == n }, 2*time.Second, 5*time.Millisecond)
}

func TestPublisher_TickBeforeDataSendsNothing(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	assert.False(t, h.pub.Tick())
	assert.Nil(t, h.pub.LastBundle())
	stats := h.pub.Stats()
	assert.Equal(t, uint64(1), stats.Ticks)
	assert.Equal(t, uint64(1), stats.EmptyTicks)
	assert.True(t, stats.Running)
}

func TestPublisher_StreamsFrames(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := h.client.StreamFrames(ctx, FullRequest())
	require.NoError(t, err)
	h.waitClients(t, 1)

	require.True(t, h.slot.Offer(processed("lidar-0", 1, 20)))
	require.True(t, h.pub.Tick())

	b, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "lidar-0", b.SourceID)
	assert.Equal(t, uint64(1), b.Sequence)
	assert.Equal(t, 20, b.Points.Len())
	assert.Equal(t, "identity", b.PoseSource)
}

func TestPublisher_LateJoinerAndSkipUnchanged(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	require.True(t, h.slot.Offer(processed("lidar-0", 1, 5)))
	require.True(t, h.pub.Tick())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := h.client.StreamFrames(ctx, FullRequest())
	require.NoError(t, err)

	first, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.Sequence)
	h.waitClients(t, 1)

	// Same version again is suppressed for this client.
	require.True(t, h.pub.Tick())
	require.True(t, h.slot.Offer(processed("lidar-0", 2, 5)))
	require.True(t, h.pub.Tick())

	second, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.Sequence)
	assert.Greater(t, second.Version, first.Version)
	assert.Equal(t, uint64(2), h.pub.Stats().Frames, "unchanged tick reuses the bundle")
}

func TestPublisher_ClientOptions(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := h.client.StreamFrames(ctx, &StreamRequest{IncludePoints: true, MaxPoints: 4})
	require.NoError(t, err)
	h.waitClients(t, 1)

	pf := processed("lidar-0", 1, 40)
	pf.Features = []frame.Feature{{Kind: frame.FeatureCluster}}
	require.True(t, h.slot.Offer(pf))
	require.True(t, h.pub.Tick())

	b, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, 4, b.Points.Len())
	assert.Equal(t, 40, b.Points.Total)
	assert.Nil(t, b.Features)
}

func TestPublisher_MaxClients(t *testing.T) {
	h := newHarness(t, Config{MaxClients: 1}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := h.client.StreamFrames(ctx, FullRequest())
	require.NoError(t, err)
	h.waitClients(t, 1)

	second, err := h.client.StreamFrames(ctx, FullRequest())
	require.NoError(t, err)
	_, err = second.Recv()
	require.Error(t, err)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
}

func TestPublisher_ClientDisconnect(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	_, err := h.client.StreamFrames(ctx, FullRequest())
	require.NoError(t, err)
	h.waitClients(t, 1)

	cancel()
	h.waitClients(t, 0)
}

func TestPublisher_StopEndsStreams(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := h.client.StreamFrames(ctx, FullRequest())
	require.NoError(t, err)
	h.waitClients(t, 1)

	h.pub.Stop()
	_, err = stream.Recv()
	assert.ErrorIs(t, err, io.EOF)
	assert.False(t, h.pub.Stats().Running)
}

func TestPublisher_SlowClientDropsFrames(t *testing.T) {
	slot := handoff.NewLatestSlot[*frame.ProcessedFrame]()
	p := NewPublisher(Config{ClientBuffer: 1}, render.NewAdapter(slot, render.Options{}), nil)
	client, err := p.addClient(FullRequest())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		p.broadcast(&FrameBundle{FrameID: uint64(i)})
	}
	assert.Equal(t, uint64(2), client.dropped.Load())
	assert.Equal(t, uint64(2), p.Stats().Dropped)
	assert.Equal(t, uint64(0), (<-client.frameCh).FrameID)

	p.removeClient(client.id)
	assert.Equal(t, int32(0), p.Stats().Clients)
}

func TestPublisher_ResetReference(t *testing.T) {
	ref := &frame.ReferenceFrame{
		Version: 4,
		Source:  frame.FrameRef{SourceID: "lidar-0", Sequence: 9},
		Points:  make([]frame.Point, 12),
		Reason:  frame.PromotionReset,
	}
	h := newHarness(t, Config{}, &fakeResetter{ref: ref})

	resp, err := h.client.ResetReference(context.Background(), "operator")
	require.NoError(t, err)
	assert.Equal(t, &ResetResponse{Version: 4, SourceID: "lidar-0", Sequence: 9, Points: 12}, resp)
}

func TestPublisher_ResetReferenceErrors(t *testing.T) {
	h := newHarness(t, Config{}, &fakeResetter{err: errors.New("no frame processed yet")})
	_, err := h.client.ResetReference(context.Background(), "")
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	bare := newHarness(t, Config{}, nil)
	_, err = bare.client.ResetReference(context.Background(), "")
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}

func TestPublisher_ServeTwice(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	assert.ErrorIs(t, h.pub.Serve(bufconn.Listen(1024)), ErrAlreadyRunning)
}
