// Package visualiser streams render snapshots to remote viewers over gRPC
// and to browsers over websockets.
package visualiser

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/banshee-data/cloudbridge/internal/bridge/frame"
	"github.com/banshee-data/cloudbridge/internal/bridge/render"
	"github.com/banshee-data/cloudbridge/internal/timeutil"
)

// ErrAlreadyRunning is returned by Start and Serve on a running publisher.
var ErrAlreadyRunning = errors.New("publisher already running")

// Config holds configuration for the visualiser gRPC server.
type Config struct {
	// ListenAddr is the address to listen on (e.g., "localhost:50051")
	ListenAddr string

	// MaxClients is the maximum number of concurrent streaming clients
	MaxClients int

	// TickInterval is the render tick period. Zero disables the tick loop;
	// the owner then calls Tick itself.
	TickInterval time.Duration

	// ClientBuffer is the per-client queue depth. A full queue drops frames
	// for that client only.
	ClientBuffer int

	// MaxPoints caps the cloud in every bundle. Zero keeps all points.
	MaxPoints int

	// Clock drives the tick loop. Defaults to the real clock.
	Clock timeutil.Clock
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   "localhost:50051",
		MaxClients:   5,
		TickInterval: 50 * time.Millisecond,
		ClientBuffer: 10,
	}
}

// Resetter promotes the most recent frame to the registration reference.
type Resetter interface {
	ResetReference() (*frame.ReferenceFrame, error)
}

// Publisher owns one render adapter and fans its snapshots out to gRPC
// clients.
type Publisher struct {
	config   Config
	clock    timeutil.Clock
	adapter  *render.Adapter
	resetter Resetter

	server   *grpc.Server
	listener net.Listener

	clients   map[string]*clientStream
	clientsMu sync.RWMutex

	lastBundle atomic.Pointer[FrameBundle]

	// Stats
	frameCount     atomic.Uint64
	tickCount      atomic.Uint64
	emptyTicks     atomic.Uint64
	clientCount    atomic.Int32
	droppedFrames  atomic.Uint64
	lastStatsTime  time.Time
	lastFrameCount uint64

	// Lifecycle
	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type clientStream struct {
	id      string
	request *StreamRequest
	frameCh chan *FrameBundle
	dropped atomic.Uint64
}

// NewPublisher creates a Publisher reading snapshots from adapter. The
// adapter must not be used by anything else. resetter may be nil, in which
// case ResetReference is unimplemented.
func NewPublisher(cfg Config, adapter *render.Adapter, resetter Resetter) *Publisher {
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = 10
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Publisher{
		config:   cfg,
		clock:    clock,
		adapter:  adapter,
		resetter: resetter,
		clients:  make(map[string]*clientStream),
		stopCh:   make(chan struct{}),
	}
}

// Start binds ListenAddr and serves in the background.
func (p *Publisher) Start() error {
	if p.running.Load() {
		return ErrAlreadyRunning
	}
	diagf("Attempting to bind to %s...", p.config.ListenAddr)
	lis, err := net.Listen("tcp", p.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return p.Serve(lis)
}

// Serve serves on lis in the background and starts the tick loop when
// TickInterval is set.
func (p *Publisher) Serve(lis net.Listener) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	p.listener = lis
	p.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
	)
	RegisterService(p.server, p)

	if p.config.TickInterval > 0 {
		p.wg.Add(1)
		go p.tickLoop()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		opsf("gRPC server listening on %s", lis.Addr())
		if err := p.server.Serve(lis); err != nil && p.running.Load() {
			opsf("gRPC server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Serve.
func (p *Publisher) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Stop ends every stream and stops the server.
func (p *Publisher) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.stopCh)
	if p.server != nil {
		p.server.GracefulStop()
	}
	p.wg.Wait()
	opsf("gRPC server stopped")
}

func (p *Publisher) tickLoop() {
	defer p.wg.Done()
	ticker := p.clock.NewTicker(p.config.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C():
			p.Tick()
			p.logPeriodicStats()
		}
	}
}

// Tick takes one snapshot and broadcasts it. It returns false when there is
// nothing to draw yet. Tick must not run concurrently with the tick loop.
func (p *Publisher) Tick() bool {
	p.tickCount.Add(1)
	s, ok := p.adapter.Snapshot()
	if !ok {
		p.emptyTicks.Add(1)
		return false
	}

	var bundle *FrameBundle
	if last := p.lastBundle.Load(); !s.Changed && last != nil {
		// Same frame: refresh the age fields only.
		cp := *last
		cp.AgeMillis = float64(s.Age.Microseconds()) / 1000
		cp.Stale = s.Stale
		bundle = &cp
	} else {
		bundle = BuildBundle(s, p.frameCount.Add(1), p.config.MaxPoints)
		tracef("Built bundle %d from %s#%d: points=%d features=%d",
			bundle.FrameID, bundle.SourceID, bundle.Sequence, bundle.Points.Len(), len(bundle.Features))
	}
	p.lastBundle.Store(bundle)
	p.broadcast(bundle)
	return true
}

// broadcast distributes a bundle to all connected clients without blocking.
func (p *Publisher) broadcast(b *FrameBundle) {
	p.clientsMu.RLock()
	defer p.clientsMu.RUnlock()
	for _, client := range p.clients {
		if !client.request.Matches(b) {
			continue
		}
		select {
		case client.frameCh <- b:
		default:
			// Client is slow, drop frame for this client.
			client.dropped.Add(1)
			p.droppedFrames.Add(1)
		}
	}
}

// logPeriodicStats logs throughput every 5 seconds.
func (p *Publisher) logPeriodicStats() {
	now := p.clock.Now()
	count := p.frameCount.Load()
	if p.lastStatsTime.IsZero() {
		p.lastStatsTime, p.lastFrameCount = now, count
		return
	}
	elapsed := now.Sub(p.lastStatsTime)
	if elapsed < 5*time.Second {
		return
	}
	fps := float64(count-p.lastFrameCount) / elapsed.Seconds()
	diagf("Stats: fps=%.1f frames=%d dropped=%d clients=%d",
		fps, count-p.lastFrameCount, p.droppedFrames.Load(), p.clientCount.Load())
	p.lastStatsTime, p.lastFrameCount = now, count
}

func (p *Publisher) addClient(req *StreamRequest) (*clientStream, error) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if p.config.MaxClients > 0 && len(p.clients) >= p.config.MaxClients {
		return nil, status.Errorf(codes.ResourceExhausted, "client limit %d reached", p.config.MaxClients)
	}
	client := &clientStream{
		id:      uuid.NewString(),
		request: req,
		frameCh: make(chan *FrameBundle, p.config.ClientBuffer),
	}
	p.clients[client.id] = client
	p.clientCount.Add(1)
	opsf("Client connected: %s (total: %d)", client.id, len(p.clients))
	return client, nil
}

func (p *Publisher) removeClient(id string) {
	p.clientsMu.Lock()
	client, ok := p.clients[id]
	delete(p.clients, id)
	p.clientsMu.Unlock()
	if ok {
		p.clientCount.Add(-1)
		opsf("Client disconnected: %s (dropped: %d, remaining: %d)", id, client.dropped.Load(), p.clientCount.Load())
	}
}

// StreamFrames implements VisualiserServer.
func (p *Publisher) StreamFrames(req *StreamRequest, stream FrameSender) error {
	client, err := p.addClient(req)
	if err != nil {
		return err
	}
	defer p.removeClient(client.id)

	ctx := stream.Context()
	var lastVersion uint64
	send := func(b *FrameBundle) error {
		if req.SkipUnchanged && b.Version == lastVersion {
			return nil
		}
		lastVersion = b.Version
		return stream.Send(b.ForRequest(req))
	}

	// Late joiners get the current frame straight away.
	if b := p.lastBundle.Load(); b != nil && req.Matches(b) {
		if err := send(b); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return nil
		case b := <-client.frameCh:
			if err := send(b); err != nil {
				diagf("Send to %s failed: %v", client.id, err)
				return err
			}
		}
	}
}

// ResetReference implements VisualiserServer.
func (p *Publisher) ResetReference(ctx context.Context, req *ResetRequest) (*ResetResponse, error) {
	if p.resetter == nil {
		return nil, status.Error(codes.Unimplemented, "reference reset not available")
	}
	ref, err := p.resetter.ResetReference()
	if err != nil {
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	}
	opsf("Reference reset to v%d from %s (reason: %q)", ref.Version, ref.Source, req.Reason)
	return &ResetResponse{
		Version:  ref.Version,
		SourceID: ref.Source.SourceID,
		Sequence: ref.Source.Sequence,
		Points:   len(ref.Points),
	}, nil
}

// LastBundle returns the most recently built bundle, or nil.
func (p *Publisher) LastBundle() *FrameBundle { return p.lastBundle.Load() }

// PublisherStats is a point-in-time view of publisher counters.
type PublisherStats struct {
	Running    bool   `json:"running"`
	Frames     uint64 `json:"frames"`
	Ticks      uint64 `json:"ticks"`
	EmptyTicks uint64 `json:"empty_ticks"`
	Clients    int32  `json:"clients"`
	Dropped    uint64 `json:"dropped"`
}

// Stats returns current counters.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		Running:    p.running.Load(),
		Frames:     p.frameCount.Load(),
		Ticks:      p.tickCount.Load(),
		EmptyTicks: p.emptyTicks.Load(),
		Clients:    p.clientCount.Load(),
		Dropped:    p.droppedFrames.Load(),
	}
}
