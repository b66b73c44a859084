//go:build !zmq

package transport

import "context"

// ZMQAvailable reports whether the binary was built with ZeroMQ support.
const ZMQAvailable = false

// Run always fails without the zmq build tag.
func (s *ZMQSource) Run(ctx context.Context, sink DatagramSink) error {
	return ErrZMQUnavailable
}
