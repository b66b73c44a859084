// Command cloudbridge receives point-cloud samples from sensors, processes
// them on a worker pool and serves the latest result to render clients.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/cloudbridge/internal/bridge/frame"
	"github.com/banshee-data/cloudbridge/internal/bridge/handoff"
	"github.com/banshee-data/cloudbridge/internal/bridge/ingest"
	"github.com/banshee-data/cloudbridge/internal/bridge/monitor"
	"github.com/banshee-data/cloudbridge/internal/bridge/pipeline"
	"github.com/banshee-data/cloudbridge/internal/bridge/render"
	"github.com/banshee-data/cloudbridge/internal/bridge/storage/sqlite"
	"github.com/banshee-data/cloudbridge/internal/bridge/synthetic"
	"github.com/banshee-data/cloudbridge/internal/bridge/transport"
	"github.com/banshee-data/cloudbridge/internal/bridge/visualiser"
	"github.com/banshee-data/cloudbridge/internal/config"
	"github.com/banshee-data/cloudbridge/internal/monitoring"
	"github.com/banshee-data/cloudbridge/internal/version"
)

var (
	configFile = flag.String("config", "", "Path to a JSON tuning file (defaults apply when empty)")
	envFile    = flag.String("env-file", ".env", "Optional file of CLOUDBRIDGE_* overrides")
	listen     = flag.String("listen", ":8080", "HTTP listen address for health, stats, metrics and the viewer")
	grpcAddr   = flag.String("grpc-addr", "localhost:50051", "gRPC render stream address (empty disables)")

	udpAddr     = flag.String("udp-addr", ":2370", "UDP address for encoded samples (empty disables)")
	rcvBuf      = flag.Int("rcvbuf", 4<<20, "UDP receive buffer size in bytes")
	codecName   = flag.String("codec", "proto", "Sample wire codec: proto or cbor")
	pcapFile    = flag.String("pcap", "", "Replay UDP samples from a pcap capture")
	pcapPort    = flag.Int("pcap-port", 0, "Only replay datagrams to this UDP port (0 keeps all)")
	pcapSpeed   = flag.Float64("pcap-speed", 1.0, "Replay speed multiplier (0 replays as fast as possible)")
	serialPort  = flag.String("serial", "", "Read length-prefixed samples from this serial port")
	baudRate    = flag.Int("baud", 115200, "Serial baud rate")
	zmqEndpoint = flag.String("zmq", "", "Pull samples from this ZeroMQ endpoint")
	zmqBind     = flag.Bool("zmq-bind", false, "Bind the ZeroMQ socket instead of connecting")
	detAddr     = flag.String("detections-addr", "", "UDP address for detector output (empty disables)")
	synth       = flag.Bool("synthetic", false, "Feed frames from the built-in synthetic scanner")
	synthHz     = flag.Float64("synthetic-hz", 10, "Synthetic scanner frame rate")

	dbFile           = flag.String("db", "cloudbridge.db", "SQLite run log (empty disables)")
	snapshotInterval = flag.Duration("snapshot-interval", 10*time.Second, "Source counter snapshot interval")
	logInterval      = flag.Duration("log-interval", time.Minute, "Transport statistics logging interval")
	shutdownTimeout  = flag.Duration("shutdown-timeout", 5*time.Second, "Time allowed for the pipeline to drain")

	logOps   = flag.String("log-ops", "", "Append the ops log stream to this file (default stderr)")
	debugLog = flag.Bool("debug", false, "Enable the diagnostic log stream")
	traceLog = flag.Bool("trace", false, "Enable the per-frame trace log stream")
)

func setupLogging() error {
	var ops, diag, trace io.Writer = os.Stderr, nil, nil
	if *logOps != "" {
		f, err := os.OpenFile(*logOps, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open ops log: %w", err)
		}
		ops = f
	}
	if *debugLog || *traceLog {
		diag = os.Stderr
	}
	if *traceLog {
		trace = os.Stderr
	}
	ingest.SetLogWriters(ops, diag, trace)
	pipeline.SetLogWriters(ops, diag, trace)
	transport.SetLogWriters(ops, diag, trace)
	visualiser.SetLogWriters(ops, diag, trace)
	monitor.SetLogWriters(ops, diag, trace)
	monitoring.SetLogger(log.Printf)
	return nil
}

func loadConfig() (*config.BridgeConfig, error) {
	if err := config.LoadEnvFile(*envFile); err != nil {
		return nil, err
	}
	cfg := config.EmptyBridgeConfig()
	if *configFile != "" {
		var err error
		if cfg, err = config.LoadBridgeConfig(*configFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Main
func main() {
	flag.Parse()
	if err := setupLogging(); err != nil {
		log.Fatal(err)
	}
	log.Print(version.String())

	if *listen == "" {
		log.Fatal("HTTP listen address is required")
	}
	if *udpAddr == "" && *pcapFile == "" && *serialPort == "" && *zmqEndpoint == "" && !*synth {
		log.Fatal("no sample source: set -udp-addr, -pcap, -serial, -zmq or -synthetic")
	}
	if *synth && *synthHz <= 0 {
		log.Fatal("-synthetic-hz must be positive")
	}
	if *zmqEndpoint != "" && !transport.ZMQAvailable {
		log.Fatal(transport.ErrZMQUnavailable)
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ingestCfg, err := ingest.ConfigFromTuning(cfg)
	if err != nil {
		log.Fatalf("Invalid ingest configuration: %v", err)
	}
	codec, err := ingest.CodecByName(*codecName)
	if err != nil {
		log.Fatalf("Invalid codec: %v", err)
	}
	ingestCfg.Decoder = codec
	bridge, err := ingest.New(ingestCfg)
	if err != nil {
		log.Fatalf("Failed to create ingest bridge: %v", err)
	}

	renderSlot := handoff.NewLatestSlot[*frame.ProcessedFrame]()
	pl, err := pipeline.New(pipeline.ConfigFromTuning(cfg), bridge.Queue(), renderSlot)
	if err != nil {
		log.Fatalf("Failed to create pipeline: %v", err)
	}

	var detections *handoff.LatestSlot[*frame.DetectionBatch]
	if *detAddr != "" {
		detections = handoff.NewLatestSlot[*frame.DetectionBatch]()
	}
	renderOpts := render.Options{StalenessThreshold: cfg.GetStalenessThreshold(), Detections: detections}

	monCfg := monitor.WebServerConfig{
		Address:            *listen,
		Ingest:             bridge,
		Pipeline:           pl,
		Slot:               renderSlot,
		StalenessThreshold: cfg.GetStalenessThreshold(),
	}

	var recorder *sqlite.Recorder
	if *dbFile != "" {
		db, err := sqlite.Open(*dbFile)
		if err != nil {
			log.Fatalf("Failed to open run log: %v", err)
		}
		defer db.Close()

		recCfg := sqlite.RecorderConfigFromTuning(cfg)
		if b, err := json.Marshal(cfg); err == nil {
			recCfg.ConfigJSON = string(b)
		}
		recorder, err = sqlite.NewRecorder(db, recCfg)
		if err != nil {
			log.Fatalf("Failed to start run log: %v", err)
		}
		recorder.Start()
		pl.OnResult = recorder.RecordResult
		pl.OnPromote = recorder.RecordPromotion
		monCfg.DB = db
		monCfg.Recorder = recorder
		log.Printf("Recording run %s to %s", recorder.RunID(), *dbFile)
	}

	var publisher *visualiser.Publisher
	if *grpcAddr != "" {
		pubCfg := visualiser.DefaultConfig()
		pubCfg.ListenAddr = *grpcAddr
		pubCfg.TickInterval = cfg.GetRenderTick()
		publisher = visualiser.NewPublisher(pubCfg, render.NewAdapter(renderSlot, renderOpts), pl)
		monCfg.Publisher = publisher
	}

	viewer := visualiser.NewViewer(visualiser.ViewerConfig{
		TickInterval: cfg.GetRenderTick(),
		MaxPoints:    cfg.GetViewerMaxPoints(),
	}, render.NewAdapter(renderSlot, renderOpts))
	monCfg.Viewer = viewer

	server, err := monitor.NewWebServer(monCfg)
	if err != nil {
		log.Fatalf("Failed to create HTTP server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Processing and render consumers outlive the transports so queued
	// frames drain after a signal.
	procCtx, cancelProc := context.WithCancel(context.Background())
	defer cancelProc()

	if err := pl.Start(procCtx); err != nil {
		log.Fatalf("Failed to start pipeline: %v", err)
	}
	if publisher != nil {
		if err := publisher.Start(); err != nil {
			log.Fatalf("Failed to start gRPC server: %v", err)
		}
	}

	var renderWG sync.WaitGroup
	renderWG.Add(1)
	go func() {
		defer renderWG.Done()
		viewer.Run(procCtx)
	}()
	renderWG.Add(1)
	go func() {
		defer renderWG.Done()
		if err := server.Start(procCtx); err != nil {
			log.Printf("HTTP server error: %v", err)
			stop()
		}
		log.Print("HTTP server routine stopped")
	}()
	if recorder != nil {
		renderWG.Add(1)
		go func() {
			defer renderWG.Done()
			recorder.SnapshotLoop(procCtx, *snapshotInterval, bridge.Stats)
		}()
	}

	var srcWG sync.WaitGroup
	startSource := func(name string, fn func(context.Context) error) {
		srcWG.Add(1)
		go func() {
			defer srcWG.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("%s error: %v", name, err)
			}
			log.Printf("%s routine terminated", name)
		}()
	}

	if *udpAddr != "" {
		l := transport.NewUDPListener(transport.UDPListenerConfig{
			Address:     *udpAddr,
			RcvBuf:      *rcvBuf,
			LogInterval: *logInterval,
		}, bridge)
		startSource("UDP listener", l.Start)
	}
	if *pcapFile != "" {
		startSource("pcap replay", func(ctx context.Context) error {
			return replay(ctx, *pcapFile, bridge)
		})
	}
	if *serialPort != "" {
		s := transport.NewSerialSource(transport.SerialConfig{Port: *serialPort, BaudRate: *baudRate})
		startSource("serial source", func(ctx context.Context) error { return s.Run(ctx, bridge) })
	}
	if *zmqEndpoint != "" {
		z := transport.NewZMQSource(transport.ZMQConfig{Endpoint: *zmqEndpoint, Bind: *zmqBind})
		startSource("ZeroMQ source", func(ctx context.Context) error { return z.Run(ctx, bridge) })
	}
	if detections != nil {
		r := transport.NewDetectionReceiver(transport.DetectionReceiverConfig{Address: *detAddr}, detections)
		startSource("detection receiver", r.Run)
	}
	if *synth {
		sc := synthetic.NewScanner(synthetic.DefaultConfig(), synthetic.DefaultScene())
		interval := time.Duration(float64(time.Second) / *synthHz)
		startSource("synthetic scanner", func(ctx context.Context) error {
			return synthetic.Run(ctx, sc, interval, nil, bridge.OnSampleReceived)
		})
	}

	<-ctx.Done()
	log.Print("shutting down...")

	srcWG.Wait()
	bridge.Close()

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), *shutdownTimeout)
	if err := pl.Shutdown(drainCtx); err != nil {
		log.Printf("pipeline shutdown: %v", err)
	}
	cancelDrain()

	if publisher != nil {
		publisher.Stop()
	}
	cancelProc()
	renderWG.Wait()

	if recorder != nil {
		if err := recorder.Close(); err != nil {
			log.Printf("run log close: %v", err)
		}
	}
	log.Printf("Graceful shutdown complete")
}

func replay(ctx context.Context, path string, sink transport.DatagramSink) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	defer f.Close()
	st, err := transport.ReplayPCAP(ctx, f, transport.ReplayConfig{
		Port:  uint16(*pcapPort),
		Speed: *pcapSpeed,
	}, sink)
	log.Printf("pcap replay: %d records, %d delivered, %d rejected, %d skipped over %v",
		st.Packets, st.Delivered, st.Rejected, st.Skipped, st.Span)
	return err
}
