// Package tcpfront implements the TCP front: five line-framed listeners
// (client, mount, camera, mount-annex, camera-annex) plus one UDP socket
// for environment samples. Accepted sockets enter a buffer list swept
// periodically for closed handles; each read callback does only frame
// extraction and posts decoded frames into the owning component's mailbox.
// No protocol logic lives here.
package tcpfront

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"obsysd/internal/ratelimit"
)

// maxFrameBytes is the oversize-frame cutoff: a frame without
// a '\n' terminator within this many bytes is a protocol fault.
const maxFrameBytes = 1400

// sweepInterval is how often the buffer list drops closed sockets.
const sweepInterval = 30 * time.Second

// PeerClass identifies which of the five listeners accepted a connection.
type PeerClass int

const (
	PeerClient PeerClass = iota
	PeerMount
	PeerCamera
	PeerMountAnnex
	PeerCameraAnnex
)

func (c PeerClass) String() string {
	switch c {
	case PeerClient:
		return "client"
	case PeerMount:
		return "mount"
	case PeerCamera:
		return "camera"
	case PeerMountAnnex:
		return "mount-annex"
	case PeerCameraAnnex:
		return "camera-annex"
	default:
		return "unknown"
	}
}

// ErrOversizeFrame is returned (wrapped with the connection's correlation
// id) when a peer sends more than maxFrameBytes without a line terminator.
var ErrOversizeFrame = errors.New("tcpfront: oversize frame")

// Logger is the narrow logging capability tcpfront depends on.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// FrameHandler receives one decoded line from a peer of the given class.
// Handlers must not block; the hot path only extracts frames and posts them.
type FrameHandler func(conn *Conn, class PeerClass, line string)

// Conn is one accepted socket entered into the buffer list. It pairs the
// net.Conn with a correlation id and an outbound
// backpressure ring (internal/ratelimit).
type Conn struct {
	ID    string
	Class PeerClass
	nc    net.Conn
	ring  *ratelimit.Ring

	mu     sync.Mutex
	closed bool
}

// Send enqueues a frame for the connection's writer goroutine via the
// backpressure ring; critical frames (e.g. abort commands) should set
// critical=true so they preempt queued non-critical frames under load.
func (c *Conn) Send(payload []byte, critical bool) {
	c.ring.Push(ratelimit.Frame{Payload: payload, Critical: critical})
}

// Close marks the connection closed; the next sweep removes it from the
// buffer list.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.nc.Close()
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// RemoteAddr returns the peer's network address.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// EnvSample is one decoded UDP environment datagram.
type EnvSample struct {
	GID  string
	Data []byte
	From net.Addr
}

// Front owns the five TCP listeners, the UDP environment socket, and the
// buffer list of accepted connections.
type Front struct {
	Log     Logger
	Handler FrameHandler
	EnvFunc func(EnvSample)

	mu    sync.Mutex
	conns []*Conn

	listeners []net.Listener
	udp       net.PacketConn

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Ports names the five TCP listener ports and the UDP environment port.
type Ports struct {
	Client, Mount, Camera, MountAnnex, CameraAnnex, Environment int
}

// New constructs a Front. log may be nil.
func New(log Logger, handler FrameHandler, envFunc func(EnvSample)) *Front {
	if log == nil {
		log = noopLogger{}
	}
	return &Front{Log: log, Handler: handler, EnvFunc: envFunc}
}

// Start binds all six sockets and begins accepting. It returns once every
// listener is bound (so callers can sd_notify READY immediately after), with
// accept loops and the sweep goroutine running in the background until Stop.
func (f *Front) Start(ctx context.Context, ports Ports) error {
	ctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel

	specs := []struct {
		class PeerClass
		port  int
	}{
		{PeerClient, ports.Client},
		{PeerMount, ports.Mount},
		{PeerCamera, ports.Camera},
		{PeerMountAnnex, ports.MountAnnex},
		{PeerCameraAnnex, ports.CameraAnnex},
	}
	for _, s := range specs {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
		if err != nil {
			f.closeAll()
			return errors.Wrapf(err, "tcpfront: listen %s on :%d", s.class, s.port)
		}
		f.listeners = append(f.listeners, ln)
		f.wg.Add(1)
		go f.acceptLoop(ctx, ln, s.class)
	}

	udp, err := net.ListenPacket("udp", fmt.Sprintf(":%d", ports.Environment))
	if err != nil {
		f.closeAll()
		return errors.Wrap(err, "tcpfront: listen environment udp")
	}
	f.udp = udp
	f.wg.Add(1)
	go f.udpLoop(ctx, udp)

	f.wg.Add(1)
	go f.sweepLoop(ctx)

	return nil
}

// Stop closes every socket and waits for background goroutines to exit.
func (f *Front) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	f.closeAll()
	f.wg.Wait()
}

func (f *Front) closeAll() {
	for _, ln := range f.listeners {
		_ = ln.Close()
	}
	if f.udp != nil {
		_ = f.udp.Close()
	}
}

func (f *Front) acceptLoop(ctx context.Context, ln net.Listener, class PeerClass) {
	defer f.wg.Done()
	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				f.Log.Warn("tcpfront: accept failed", "class", class.String(), "err", err)
				return
			}
		}
		conn := &Conn{ID: uuid.NewString(), Class: class, nc: nc, ring: ratelimit.New(ratelimit.DefaultCapacity)}
		conn.ring.OnDrop(func(ratelimit.Frame) {
			f.Log.Warn("tcpfront: write ring full, dropped oldest frame",
				"conn", conn.ID, "class", class.String())
		})
		f.register(conn)
		f.wg.Add(2)
		go f.readLoop(conn)
		go f.writeLoop(conn)
	}
}

func (f *Front) register(c *Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conns = append(f.conns, c)
}

// readLoop extracts '\n'-terminated frames and posts each to Handler. This
// is the hot path: line-frame extraction, buffer accounting, and a post
// into the handler, nothing else.
func (f *Front) readLoop(c *Conn) {
	defer f.wg.Done()
	reader := bufio.NewReaderSize(c.nc, maxFrameBytes)
	for {
		raw, err := reader.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			// maxFrameBytes buffered and still no terminator.
			f.rejectOversize(c, len(raw))
			c.Close()
			return
		}
		line := string(raw)
		if err != nil {
			if len(line) > 0 {
				f.rejectOversize(c, len(line))
			}
			c.Close()
			return
		}
		if len(line) > maxFrameBytes {
			f.rejectOversize(c, len(line))
			c.Close()
			return
		}
		if f.Handler != nil {
			f.Handler(c, c.Class, line)
		}
	}
}

func (f *Front) rejectOversize(c *Conn, n int) {
	f.Log.Error("tcpfront: oversize frame, closing connection",
		"conn", c.ID, "class", c.Class.String(), "bytes", n,
		"err", errors.Wrapf(ErrOversizeFrame, "conn %s", c.ID))
}

// writeLoop drains the connection's backpressure ring onto the socket.
func (f *Front) writeLoop(c *Conn) {
	defer f.wg.Done()
	for {
		frame, ok := c.ring.Pop()
		if !ok {
			if c.isClosed() {
				return
			}
			time.Sleep(5 * time.Millisecond)
			continue
		}
		if _, err := c.nc.Write(frame.Payload); err != nil {
			c.Close()
			return
		}
	}
}

func (f *Front) udpLoop(ctx context.Context, pc net.PacketConn) {
	defer f.wg.Done()
	buf := make([]byte, maxFrameBytes)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				f.Log.Warn("tcpfront: udp read failed", "err", err)
				return
			}
		}
		if f.EnvFunc != nil {
			data := make([]byte, n)
			copy(data, buf[:n])
			f.EnvFunc(EnvSample{Data: data, From: addr})
		}
	}
}

func (f *Front) sweepLoop(ctx context.Context) {
	defer f.wg.Done()
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			f.sweep()
		}
	}
}

func (f *Front) sweep() {
	f.mu.Lock()
	defer f.mu.Unlock()
	live := f.conns[:0]
	for _, c := range f.conns {
		if !c.isClosed() {
			live = append(live, c)
		}
	}
	f.conns = live
}

// Snapshot returns the current buffer-list size, for status/metrics.
func (f *Front) Snapshot() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

// DroppedFrames sums the ring-overflow drop counters across all live
// connections, for the queue-overflow metric.
func (f *Front) DroppedFrames() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var total int64
	for _, c := range f.conns {
		total += c.ring.Snapshot().DroppedTot
	}
	return total
}
