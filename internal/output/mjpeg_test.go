package output

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, cfg Config) *MJPEGServer {
	t.Helper()
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.StreamID == "" {
		cfg.StreamID = t.Name()
	}
	srv := NewMJPEGServer(cfg)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

// dialClient connects, waits until the server registered the session, and
// consumes the handshake.
func dialClient(t *testing.T, srv *MJPEGServer) (net.Conn, *FrameReader) {
	t.Helper()

	before := srv.ClientCount()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return srv.ClientCount() > before },
		2*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	header := make([]byte, len(StreamHeader))
	_, err = io.ReadFull(conn, header)
	require.NoError(t, err)
	require.Equal(t, StreamHeader, string(header))

	return conn, NewFrameReader(conn, Boundary)
}

func TestMJPEGServer_StopBeforeStartIsNoop(t *testing.T) {
	srv := NewMJPEGServer(Config{Host: "127.0.0.1"})
	assert.NoError(t, srv.Stop())
	assert.False(t, srv.IsRunning())
	assert.Nil(t, srv.Addr())
}

func TestMJPEGServer_StopIsIdempotent(t *testing.T) {
	srv := newTestServer(t, Config{})
	require.True(t, srv.IsRunning())

	assert.NoError(t, srv.Stop())
	before := srv.Stats()
	assert.NoError(t, srv.Stop())
	after := srv.Stats()

	assert.False(t, srv.IsRunning())
	assert.Equal(t, before.Running, after.Running)
	assert.Equal(t, before.Clients, after.Clients)
	assert.Equal(t, before.FramesBroadcast, after.FramesBroadcast)
}

func TestMJPEGServer_StartIsIdempotent(t *testing.T) {
	srv := newTestServer(t, Config{})
	addr := srv.Addr().String()

	require.NoError(t, srv.Start())
	assert.Equal(t, addr, srv.Addr().String(), "second Start must keep the same listener")
}

func TestMJPEGServer_RestartAfterStop(t *testing.T) {
	srv := newTestServer(t, Config{})
	require.NoError(t, srv.Stop())
	require.NoError(t, srv.Start())

	_, fr := dialClient(t, srv)
	srv.Broadcast([]byte("again"))

	data, err := fr.Next()
	require.NoError(t, err)
	assert.Equal(t, "again", string(data))
}

func TestMJPEGServer_BindFailure(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	port := busy.Addr().(*net.TCPAddr).Port
	srv := NewMJPEGServer(Config{StreamID: "busy", Host: "127.0.0.1", Port: port})

	err = srv.Start()
	require.Error(t, err)

	var bindErr *BindError
	require.True(t, errors.As(err, &bindErr))
	assert.Equal(t, "busy", bindErr.StreamID)
	assert.Contains(t, bindErr.Addr, strconv.Itoa(port))
	assert.False(t, srv.IsRunning())
	assert.NoError(t, srv.Stop())
}

func TestMJPEGServer_IgnoresClientRequest(t *testing.T) {
	srv := newTestServer(t, Config{})

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("GET /stream?x=1 HTTP/1.1\r\nHost: example\r\nUser-Agent: test\r\n\r\n"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	header := make([]byte, len(StreamHeader))
	_, err = io.ReadFull(conn, header)
	require.NoError(t, err)
	assert.Equal(t, StreamHeader, string(header))
}

func TestMJPEGServer_ProtocolExactness(t *testing.T) {
	srv := newTestServer(t, Config{})
	conn, _ := dialClient(t, srv)

	payload := make([]byte, 70_000)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	srv.Broadcast(payload)

	want := []byte(fmt.Sprintf("--boundary\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(payload)))
	want = append(want, payload...)
	want = append(want, '\r', '\n')

	got := make([]byte, len(want))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(want, got), "part bytes must match exactly")
}

func TestMJPEGServer_PerClientOrderNoDuplicates(t *testing.T) {
	srv := newTestServer(t, Config{QueueCapacity: 64})
	_, fr := dialClient(t, srv)

	const frames = 50
	for i := 1; i <= frames; i++ {
		srv.Broadcast([]byte(strconv.Itoa(i)))
	}

	for i := 1; i <= frames; i++ {
		data, err := fr.Next()
		require.NoError(t, err)
		assert.Equal(t, strconv.Itoa(i), string(data))
	}
}

func TestMJPEGServer_OrderPreservedWithDrops(t *testing.T) {
	srv := newTestServer(t, Config{QueueCapacity: 2})
	_, fr := dialClient(t, srv)

	const frames = 500
	go func() {
		for i := 1; i <= frames; i++ {
			srv.Broadcast([]byte(strconv.Itoa(i)))
		}
	}()

	last := 0
	for last < frames {
		data, err := fr.Next()
		require.NoError(t, err)
		n, err := strconv.Atoi(string(data))
		require.NoError(t, err)
		require.Greater(t, n, last, "frames must arrive in broadcast order without repeats")
		last = n
	}
}

func TestMJPEGServer_BroadcastDoesNotBlockOnStalledClient(t *testing.T) {
	srv := newTestServer(t, Config{QueueCapacity: 5, WriteTimeout: 0})

	// stalled client: handshake read, then never reads again
	dialClient(t, srv)

	frame := make([]byte, 256<<10)
	start := time.Now()
	for i := 0; i < 200; i++ {
		srv.Broadcast(frame)
	}
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 2*time.Second, "producer was blocked by a stalled client")

	st := srv.Stats()
	require.Len(t, st.Sessions, 1)
	assert.LessOrEqual(t, st.Sessions[0].Queued, 5, "pending frames bounded by queue capacity")
	assert.Greater(t, st.FramesDropped, uint64(0))
	assert.Equal(t, uint64(200), st.FramesBroadcast)
}

func TestMJPEGServer_FastClientUnaffectedByStalledClient(t *testing.T) {
	srv := newTestServer(t, Config{QueueCapacity: 5, WriteTimeout: 0})
	dialClient(t, srv) // stalled
	_, fast := dialClient(t, srv)

	big := make([]byte, 128<<10)
	received := make(chan string, 1024)
	go func() {
		for {
			data, err := fast.Next()
			if err != nil {
				close(received)
				return
			}
			if len(data) < 16 {
				received <- string(data)
			}
		}
	}()

	for i := 0; i < 100; i++ {
		srv.Broadcast(big)
	}
	srv.Broadcast([]byte("last"))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case s, ok := <-received:
			require.True(t, ok, "fast client stream ended")
			if s == "last" {
				return
			}
		case <-deadline:
			t.Fatal("fast client never received the final frame")
		}
	}
}

func TestMJPEGServer_IsolationOnClientReset(t *testing.T) {
	srv := newTestServer(t, Config{QueueCapacity: 32})

	type client struct {
		conn net.Conn
		fr   *FrameReader
	}
	clients := make([]client, 10)
	for i := range clients {
		conn, fr := dialClient(t, srv)
		clients[i] = client{conn: conn, fr: fr}
	}
	require.Equal(t, 10, srv.ClientCount())

	// abrupt reset of one client
	tcp := clients[0].conn.(*net.TCPConn)
	require.NoError(t, tcp.SetLinger(0))
	require.NoError(t, tcp.Close())

	const frames = 20
	var wg sync.WaitGroup
	errs := make(chan error, 9)
	for _, c := range clients[1:] {
		wg.Add(1)
		go func(c client) {
			defer wg.Done()
			for i := 1; i <= frames; i++ {
				data, err := c.fr.Next()
				if err != nil {
					errs <- err
					return
				}
				if string(data) != strconv.Itoa(i) {
					errs <- fmt.Errorf("got frame %q, want %d", data, i)
					return
				}
			}
		}(c)
	}

	for i := 1; i <= frames; i++ {
		srv.Broadcast([]byte(strconv.Itoa(i)))
		time.Sleep(2 * time.Millisecond)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	require.Eventually(t, func() bool { return srv.ClientCount() == 9 },
		5*time.Second, 10*time.Millisecond, "reset client must be removed")
}

func TestMJPEGServer_StopDisconnectsClients(t *testing.T) {
	srv := newTestServer(t, Config{})
	conn, fr := dialClient(t, srv)
	_, _ = dialClient(t, srv)
	require.Equal(t, 2, srv.ClientCount())

	require.NoError(t, srv.Stop())
	assert.Equal(t, 0, srv.ClientCount())

	_, err := fr.Next()
	assert.Error(t, err)

	// broadcast after stop is a no-op
	before := srv.Stats().FramesBroadcast
	srv.Broadcast([]byte("late"))
	assert.Equal(t, before, srv.Stats().FramesBroadcast)

	// the port is released
	_, err = net.DialTimeout("tcp", conn.RemoteAddr().String(), 200*time.Millisecond)
	assert.Error(t, err)
}

func TestMJPEGServer_MaxClients(t *testing.T) {
	srv := newTestServer(t, Config{MaxClients: 1})
	dialClient(t, srv)

	extra, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer extra.Close()

	require.NoError(t, extra.SetReadDeadline(time.Now().Add(5*time.Second)))
	n, err := extra.Read(make([]byte, 64))
	assert.Equal(t, 0, n)
	assert.Error(t, err, "connection over the limit is closed without a header")
	assert.Equal(t, 1, srv.ClientCount())
}

func TestMJPEGServer_StatsTracksSessions(t *testing.T) {
	srv := newTestServer(t, Config{QueueCapacity: 16})
	_, fr := dialClient(t, srv)

	srv.Broadcast([]byte("abc"))
	_, err := fr.Next()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st := srv.Stats()
		return len(st.Sessions) == 1 && st.Sessions[0].FramesSent == 1
	}, 2*time.Second, 5*time.Millisecond)

	st := srv.Stats()
	assert.True(t, st.Running)
	assert.Equal(t, 1, st.Clients)
	assert.Equal(t, uint64(1), st.TotalClients)
	assert.Equal(t, uint64(3), st.BytesSent)
	assert.False(t, st.LastFrameAt.IsZero())
	assert.NotEmpty(t, st.Sessions[0].ID)
}

func TestMJPEGServer_StatsTotalsSurviveDisconnects(t *testing.T) {
	srv := newTestServer(t, Config{QueueCapacity: 16})

	stop := make(chan struct{})
	dips := make(chan uint64, 1)
	var watcher sync.WaitGroup
	watcher.Add(1)
	go func() {
		defer watcher.Done()
		var last uint64
		for {
			select {
			case <-stop:
				return
			default:
			}
			if b := srv.Stats().BytesSent; b < last {
				select {
				case dips <- last - b:
				default:
				}
			} else {
				last = b
			}
		}
	}()

	for i := 0; i < 20; i++ {
		conn, fr := dialClient(t, srv)
		srv.Broadcast([]byte("frame"))
		_, err := fr.Next()
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			st := srv.Stats()
			return len(st.Sessions) == 1 && st.Sessions[0].BytesSent == uint64(len("frame"))
		}, 2*time.Second, time.Millisecond)

		require.NoError(t, conn.Close())
		require.Eventually(t, func() bool { return srv.ClientCount() == 0 },
			2*time.Second, time.Millisecond)
	}

	close(stop)
	watcher.Wait()

	select {
	case d := <-dips:
		t.Fatalf("bytes sent went backwards by %d while clients disconnected", d)
	default:
	}
	assert.Equal(t, uint64(20*len("frame")), srv.Stats().BytesSent)
}

func TestMJPEGServer_ClientHangupFreesSlot(t *testing.T) {
	srv := newTestServer(t, Config{MaxClients: 1, PollTimeout: time.Hour})

	conn, _ := dialClient(t, srv)
	require.NoError(t, conn.Close())

	// nothing is broadcast, so only the read side can notice the hangup
	require.Eventually(t, func() bool { return srv.ClientCount() == 0 },
		2*time.Second, 5*time.Millisecond)

	_, fr := dialClient(t, srv)
	srv.Broadcast([]byte("next"))
	data, err := fr.Next()
	require.NoError(t, err)
	assert.Equal(t, "next", string(data))
}

func TestMJPEGServer_ConcurrentLifecycle(t *testing.T) {
	srv := NewMJPEGServer(Config{StreamID: t.Name(), Host: "127.0.0.1"})
	defer srv.Stop()

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				srv.Broadcast([]byte("x"))
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if addr := srv.Addr(); addr != nil {
				if c, err := net.DialTimeout("tcp", addr.String(), 50*time.Millisecond); err == nil {
					c.Close()
				}
			}
		}
	}()

	for i := 0; i < 20; i++ {
		var lc sync.WaitGroup
		for j := 0; j < 4; j++ {
			lc.Add(2)
			go func() { defer lc.Done(); _ = srv.Start() }()
			go func() { defer lc.Done(); _ = srv.Stop() }()
		}
		lc.Wait()
	}

	close(stop)
	wg.Wait()

	require.NoError(t, srv.Stop())
	assert.False(t, srv.IsRunning())
	assert.Equal(t, 0, srv.ClientCount())
}
