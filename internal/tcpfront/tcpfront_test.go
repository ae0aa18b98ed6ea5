package tcpfront

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func freeUDPPort(t *testing.T) int {
	t.Helper()
	pc, err := net.ListenPacket("udp", ":0")
	require.NoError(t, err)
	defer pc.Close()
	return pc.LocalAddr().(*net.UDPAddr).Port
}

func startFront(t *testing.T) (*Front, Ports, func()) {
	t.Helper()
	var mu sync.Mutex
	var received []string
	f := New(nil, func(c *Conn, class PeerClass, line string) {
		mu.Lock()
		received = append(received, class.String()+":"+strings.TrimRight(line, "\n"))
		mu.Unlock()
	}, nil)
	ports := Ports{
		Client: freePort(t), Mount: freePort(t), Camera: freePort(t),
		MountAnnex: freePort(t), CameraAnnex: freePort(t), Environment: freeUDPPort(t),
	}
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.Start(ctx, ports))
	_ = received
	return f, ports, func() { cancel(); f.Stop() }
}

func TestAcceptAndFrameExtraction(t *testing.T) {
	f, ports, stop := startFront(t)
	defer stop()

	var mu sync.Mutex
	var lines []string
	f.Handler = func(c *Conn, class PeerClass, line string) {
		mu.Lock()
		lines = append(lines, strings.TrimRight(line, "\n"))
		mu.Unlock()
	}

	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(ports.Client))
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("ready gid=001,uid=01\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(lines) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, "ready gid=001,uid=01", lines[0])
	mu.Unlock()
}

func TestOversizeFrameClosesConnection(t *testing.T) {
	f, ports, stop := startFront(t)
	defer stop()
	f.Handler = func(*Conn, PeerClass, string) {}

	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(ports.Mount))
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte(strings.Repeat("x", maxFrameBytes+10)))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	assert.Error(t, err) // peer closed the socket
}

func TestUDPEnvironmentSample(t *testing.T) {
	f, ports, stop := startFront(t)
	defer stop()
	ch := make(chan EnvSample, 1)
	f.EnvFunc = func(s EnvSample) { ch <- s }

	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:"+strconv.Itoa(ports.Environment))
	require.NoError(t, err)
	conn, err := net.DialUDP("udp", nil, addr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("rain gid=001,wet=1\n"))
	require.NoError(t, err)

	select {
	case s := <-ch:
		assert.Contains(t, string(s.Data), "rain")
	case <-time.After(time.Second):
		t.Fatal("expected an environment sample")
	}
}

func TestSweepRemovesClosedConnections(t *testing.T) {
	f, ports, stop := startFront(t)
	defer stop()
	f.Handler = func(*Conn, PeerClass, string) {}

	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(ports.Camera))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.Snapshot() == 1 }, time.Second, 5*time.Millisecond)
	f.mu.Lock()
	server := f.conns[0]
	f.mu.Unlock()
	conn.Close()
	// The server side is marked closed once its read loop sees EOF.
	require.Eventually(t, server.isClosed, time.Second, 5*time.Millisecond)

	f.sweep()
	assert.Equal(t, 0, f.Snapshot())
}

