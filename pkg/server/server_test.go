package server

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pixperk/distlockd/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, ttl time.Duration) (*Server, *registry.Registry) {
	t.Helper()

	reg := registry.New(ttl)
	srv := New(Config{
		Addr:         "127.0.0.1:0",
		PollInterval: 10 * time.Millisecond,
	}, reg)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)

	return srv, reg
}

func dial(t *testing.T, srv *Server) (net.Conn, *bufio.Reader) {
	t.Helper()

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return conn, bufio.NewReader(conn)
}

// send writes one request line and returns the response without its newline
func send(t *testing.T, conn net.Conn, r *bufio.Reader, line string) string {
	t.Helper()

	_, err := fmt.Fprintf(conn, "%s\n", line)
	require.NoError(t, err)

	resp, err := r.ReadString('\n')
	require.NoError(t, err)
	return strings.TrimRight(resp, "\n")
}

// TestEndToEndScenario runs the canonical two-client exchange: A locks, B is
// denied after its timeout, A releases, B succeeds
func TestEndToEndScenario(t *testing.T) {
	srv, _ := startServer(t, 10*time.Second)

	connA, rA := dial(t, srv)
	connB, rB := dial(t, srv)

	assert.Equal(t, "OK", send(t, connA, rA, "LOCK r A1 5000"))

	start := time.Now()
	assert.Equal(t, "DENIED", send(t, connB, rB, "LOCK r B1 100"))
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 90*time.Millisecond, "denial must wait out the timeout")
	assert.Less(t, elapsed, time.Second)

	assert.Equal(t, "OK", send(t, connA, rA, "RELEASE r A1"))
	assert.Equal(t, "OK", send(t, connB, rB, "LOCK r B1 100"))
}

// TestHealthCounts tests HEALTH before and after a grant
func TestHealthCounts(t *testing.T) {
	srv, _ := startServer(t, 10*time.Second)

	conn, r := dial(t, srv)

	assert.Equal(t, "OK 0", send(t, conn, r, "HEALTH"))
	assert.Equal(t, "OK", send(t, conn, r, "LOCK r A1 0"))
	assert.Equal(t, "OK 1", send(t, conn, r, "HEALTH"))
	assert.Equal(t, "OK", send(t, conn, r, "RELEASE r A1"))
	assert.Equal(t, "OK 0", send(t, conn, r, "HEALTH"))
}

// TestReleaseSemantics tests NOT_HELD and FORBIDDEN over the wire
func TestReleaseSemantics(t *testing.T) {
	srv, _ := startServer(t, 10*time.Second)

	conn, r := dial(t, srv)

	assert.Equal(t, "NOT_HELD", send(t, conn, r, "RELEASE r A1"))

	assert.Equal(t, "OK", send(t, conn, r, "LOCK r A1 0"))
	assert.Equal(t, "FORBIDDEN", send(t, conn, r, "RELEASE r B1"))

	// the forbidden release must not have freed anything
	assert.Equal(t, "OK 1", send(t, conn, r, "HEALTH"))
	assert.Equal(t, "OK", send(t, conn, r, "RELEASE r A1"))
}

// TestIdempotentReacquire tests that the holder may re-issue LOCK
func TestIdempotentReacquire(t *testing.T) {
	srv, _ := startServer(t, 10*time.Second)

	conn, r := dial(t, srv)

	assert.Equal(t, "OK", send(t, conn, r, "LOCK r A1 0"))
	assert.Equal(t, "OK", send(t, conn, r, "LOCK r A1 0"))
	assert.Equal(t, "OK 1", send(t, conn, r, "HEALTH"))
}

// TestMalformedRequests tests the ERROR taxonomy and that the connection
// survives every protocol error
func TestMalformedRequests(t *testing.T) {
	srv, _ := startServer(t, 10*time.Second)

	conn, r := dial(t, srv)

	assert.Equal(t, "ERROR UNKNOWN_COMMAND", send(t, conn, r, "FROB r A1"))
	assert.Equal(t, "ERROR BAD_REQUEST", send(t, conn, r, "LOCK r A1"))
	assert.Equal(t, "ERROR BAD_TIMEOUT", send(t, conn, r, "LOCK r A1 soon"))
	assert.Equal(t, "ERROR EMPTY_NAME", send(t, conn, r, "LOCK  A1 100"))
	assert.Equal(t, "ERROR BAD_REQUEST", send(t, conn, r, ""))

	// still perfectly usable afterwards
	assert.Equal(t, "OK", send(t, conn, r, "LOCK r A1 0"))
}

// TestOverlongLine tests that a line past the cap is rejected and the
// connection resynchronizes on the next newline
func TestOverlongLine(t *testing.T) {
	srv, _ := startServer(t, 10*time.Second)

	conn, r := dial(t, srv)

	long := strings.Repeat("x", 8192)
	assert.Equal(t, "ERROR LINE_TOO_LONG", send(t, conn, r, long))
	assert.Equal(t, "OK 0", send(t, conn, r, "HEALTH"))
}

// TestLockWaitGrantedOnRelease tests that a waiter inside its timeout window
// gets the lock as soon as the holder releases
func TestLockWaitGrantedOnRelease(t *testing.T) {
	srv, _ := startServer(t, 10*time.Second)

	connA, rA := dial(t, srv)
	connB, rB := dial(t, srv)

	require.Equal(t, "OK", send(t, connA, rA, "LOCK r A1 0"))

	// B starts waiting with plenty of time left
	_, err := fmt.Fprintf(connB, "LOCK r B1 2000\n")
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	require.Equal(t, "OK", send(t, connA, rA, "RELEASE r A1"))

	start := time.Now()
	resp, err := rB.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "OK", strings.TrimRight(resp, "\n"))
	assert.Less(t, time.Since(start), time.Second, "grant must arrive well before B's deadline")
}

// TestContentionSingleWinner tests that when a held lock frees up under many
// waiters, exactly one wins the window; which one is unspecified
func TestContentionSingleWinner(t *testing.T) {
	srv, _ := startServer(t, 10*time.Second)

	connA, rA := dial(t, srv)
	require.Equal(t, "OK", send(t, connA, rA, "LOCK r A1 0"))

	const waiters = 5
	results := make([]string, waiters)
	var wg sync.WaitGroup

	for i := 0; i < waiters; i++ {
		conn, r := dial(t, srv)
		wg.Add(1)
		go func(idx int, conn net.Conn, r *bufio.Reader) {
			defer wg.Done()
			results[idx] = send(t, conn, r, fmt.Sprintf("LOCK r W%d 600", idx))
		}(i, conn, r)
	}

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, "OK", send(t, connA, rA, "RELEASE r A1"))
	wg.Wait()

	winners := 0
	for _, resp := range results {
		switch resp {
		case "OK":
			winners++
		case "DENIED":
		default:
			t.Fatalf("unexpected response %q", resp)
		}
	}
	assert.Equal(t, 1, winners, "exactly one waiter must win the free window")
}

// TestDisconnectDuringWaitLeavesLockHeld tests that a waiter vanishing
// mid-wait neither crashes the handler nor releases the holder's lock
func TestDisconnectDuringWaitLeavesLockHeld(t *testing.T) {
	srv, reg := startServer(t, 10*time.Second)

	connA, rA := dial(t, srv)
	require.Equal(t, "OK", send(t, connA, rA, "LOCK r A1 0"))

	connB, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	_, err = fmt.Fprintf(connB, "LOCK r B1 5000\n")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	connB.Close()

	// the abandoned wait must unwind without touching A's lock
	assert.Eventually(t, func() bool {
		return reg.Stats().Held == 1
	}, time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, "OK 1", send(t, connA, rA, "HEALTH"))
	assert.Equal(t, "OK", send(t, connA, rA, "RELEASE r A1"))
}

// TestTransportErrorIsolation tests that one connection dying does not
// disturb another mid-session
func TestTransportErrorIsolation(t *testing.T) {
	srv, _ := startServer(t, 10*time.Second)

	connA, rA := dial(t, srv)
	connB, _ := dial(t, srv)

	require.Equal(t, "OK", send(t, connA, rA, "LOCK r A1 0"))

	connB.Close()
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, "OK 1", send(t, connA, rA, "HEALTH"))
}

// TestGracefulStop tests that Stop returns promptly with an idle connection
// and a mid-wait LOCK in flight
func TestGracefulStop(t *testing.T) {
	reg := registry.New(10 * time.Second)
	srv := New(Config{Addr: "127.0.0.1:0", PollInterval: 10 * time.Millisecond}, reg)
	require.NoError(t, srv.Start())

	idle, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer idle.Close()

	holder, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer holder.Close()
	hr := bufio.NewReader(holder)
	require.Equal(t, "OK", send(t, holder, hr, "LOCK r A1 0"))

	waiter, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer waiter.Close()
	_, err = fmt.Fprintf(waiter, "LOCK r B1 30000\n")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		srv.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not drain handlers")
	}
}
