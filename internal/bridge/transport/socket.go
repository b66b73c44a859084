package transport

import (
	"net"
	"sync"
	"time"
)

// UDPSocket is the subset of *net.UDPConn used by the listeners.
type UDPSocket interface {
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)
	SetReadBuffer(bytes int) error
	SetReadDeadline(t time.Time) error
	Close() error
	LocalAddr() net.Addr
}

// UDPSocketFactory creates sockets, so listeners can run without a network
// in tests.
type UDPSocketFactory interface {
	ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error)
}

// RealUDPSocketFactory opens real sockets with net.ListenUDP.
type RealUDPSocketFactory struct{}

// ListenUDP opens a UDP socket.
func (RealUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// MockUDPPacket is one datagram returned by MockUDPSocket.
type MockUDPPacket struct {
	Data []byte
	Addr *net.UDPAddr
}

// MockUDPSocket replays queued packets and then reports read timeouts.
type MockUDPSocket struct {
	mu             sync.Mutex
	packets        []MockUDPPacket
	readIndex      int
	closed         bool
	readBufferSize int
	localAddr      *net.UDPAddr
}

// NewMockUDPSocket returns a socket that will deliver packets in order.
func NewMockUDPSocket(packets ...MockUDPPacket) *MockUDPSocket {
	return &MockUDPSocket{
		packets:   packets,
		localAddr: &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 7400},
	}
}

// Push queues more packets.
func (m *MockUDPSocket) Push(packets ...MockUDPPacket) {
	m.mu.Lock()
	m.packets = append(m.packets, packets...)
	m.mu.Unlock()
}

// ReadFromUDP returns the next queued packet or a timeout.
func (m *MockUDPSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, nil, net.ErrClosed
	}
	if m.readIndex >= len(m.packets) {
		m.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: timeoutError{}}
	}
	pkt := m.packets[m.readIndex]
	m.readIndex++
	m.mu.Unlock()
	return copy(b, pkt.Data), pkt.Addr, nil
}

// SetReadBuffer records the size.
func (m *MockUDPSocket) SetReadBuffer(bytes int) error {
	m.mu.Lock()
	m.readBufferSize = bytes
	m.mu.Unlock()
	return nil
}

// SetReadDeadline is a no-op; reads past the queue time out immediately.
func (m *MockUDPSocket) SetReadDeadline(time.Time) error { return nil }

// Close marks the socket closed.
func (m *MockUDPSocket) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (m *MockUDPSocket) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Drained reports whether every queued packet was read.
func (m *MockUDPSocket) Drained() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readIndex >= len(m.packets)
}

// ReadBufferSize returns the size passed to SetReadBuffer.
func (m *MockUDPSocket) ReadBufferSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readBufferSize
}

// LocalAddr returns a fixed loopback address.
func (m *MockUDPSocket) LocalAddr() net.Addr { return m.localAddr }

// MockUDPSocketFactory hands out one MockUDPSocket.
type MockUDPSocketFactory struct {
	Socket *MockUDPSocket
	Err    error
}

// ListenUDP returns the configured socket or error.
func (f *MockUDPSocketFactory) ListenUDP(string, *net.UDPAddr) (UDPSocket, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Socket, nil
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
