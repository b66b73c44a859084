//go:build zmq

package transport

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/pebbe/zmq4"

	"github.com/banshee-data/cloudbridge/internal/bridge/ingest"
)

// ZMQAvailable reports whether the binary was built with ZeroMQ support.
const ZMQAvailable = true

// Run connects a PULL socket to the endpoint and feeds every message to
// sink until ctx is done.
func (s *ZMQSource) Run(ctx context.Context, sink DatagramSink) error {
	socket, err := zmq4.NewSocket(zmq4.PULL)
	if err != nil {
		return fmt.Errorf("zmq socket: %w", err)
	}
	defer socket.Close()
	if err := socket.SetRcvtimeo(s.cfg.PollInterval); err != nil {
		return fmt.Errorf("zmq rcvtimeo: %w", err)
	}
	if s.cfg.Bind {
		err = socket.Bind(s.cfg.Endpoint)
	} else {
		err = socket.Connect(s.cfg.Endpoint)
	}
	if err != nil {
		return fmt.Errorf("zmq endpoint %s: %w", s.cfg.Endpoint, err)
	}
	opsf("ZMQ source pulling from %s", s.cfg.Endpoint)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := socket.RecvBytes(0)
		if err != nil {
			if zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN) {
				continue
			}
			diagf("ZMQ recv error: %v", err)
			time.Sleep(s.cfg.PollInterval)
			continue
		}
		s.stats.AddPacket(len(msg))
		if err := sink.OnDatagram(msg); err != nil {
			if errors.Is(err, ingest.ErrShuttingDown) {
				return err
			}
			s.stats.AddRejected()
			tracef("ZMQ message rejected: %v", err)
		}
	}
}
