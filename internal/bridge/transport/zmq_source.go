package transport

import (
	"errors"
	"time"
)

// ErrZMQUnavailable is returned when the binary was built without -tags zmq.
var ErrZMQUnavailable = errors.New("ZeroMQ support not compiled in (build with -tags zmq)")

// ZMQConfig configures a ZMQSource.
type ZMQConfig struct {
	// Endpoint is a ZeroMQ address such as tcp://127.0.0.1:31001.
	Endpoint string
	// Bind binds the PULL socket instead of connecting it.
	Bind bool
	// PollInterval bounds each receive so cancellation is observed.
	PollInterval time.Duration
}

// ZMQSource pulls encoded samples from a ZeroMQ PUSH peer.
type ZMQSource struct {
	cfg   ZMQConfig
	stats *PacketStats
}

// NewZMQSource returns a source for cfg.Endpoint.
func NewZMQSource(cfg ZMQConfig) *ZMQSource {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	return &ZMQSource{cfg: cfg, stats: NewPacketStats("ZMQ " + cfg.Endpoint)}
}

// Stats returns the source's counters.
func (s *ZMQSource) Stats() *PacketStats { return s.stats }
