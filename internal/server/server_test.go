package server

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/taskd/internal/client"
	"github.com/danmuck/taskd/internal/observability"
	"github.com/danmuck/taskd/internal/protocol"
	"github.com/danmuck/taskd/internal/protocol/frame"
	"github.com/danmuck/taskd/internal/testutil/testlog"
)

func startServer(t *testing.T, cfg Config) (string, *Server) {
	t.Helper()
	testlog.Start(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := New(cfg, observability.NewServerMetrics())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("serve: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("server did not stop")
		}
	})
	return ln.Addr().String(), srv
}

func dial(t *testing.T, addr string) *client.Client {
	t.Helper()
	c, err := client.Dial(context.Background(), addr, client.Options{RequestTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func writeTemp(t *testing.T, name string, content []byte) (string, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write temp: %v", err)
	}
	sum := sha256.Sum256(content)
	return path, hex.EncodeToString(sum[:])
}

// expectClosed asserts the server closes conn without sending a frame.
func expectClosed(t *testing.T, conn net.Conn, within time.Duration) time.Duration {
	t.Helper()
	start := time.Now()
	_ = conn.SetReadDeadline(time.Now().Add(within))
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	elapsed := time.Since(start)
	if n != 0 {
		t.Fatalf("expected no response bytes, got %d", n)
	}
	if err == nil {
		t.Fatalf("expected connection close")
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		t.Fatalf("connection still open after %v", within)
	}
	return elapsed
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestHashLocalFileSucceeds(t *testing.T) {
	addr, srv := startServer(t, Config{Workers: 2})
	path, want := writeTemp(t, "hostname", []byte("taskd-test-host\n"))

	c := dial(t, addr)
	resp, err := c.Hash(context.Background(), protocol.SHA256, protocol.LocalPath(path))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if resp != protocol.Success(want) || len(resp.Digest) != 64 {
		t.Fatalf("unexpected response: %+v want %s", resp, want)
	}
	if srv.Metrics().ProcessedTasks() != 1 {
		t.Fatalf("expected one processed task, got %d", srv.Metrics().ProcessedTasks())
	}
}

func TestHashEtcHostname(t *testing.T) {
	content, err := os.ReadFile("/etc/hostname")
	if err != nil {
		t.Skipf("no /etc/hostname: %v", err)
	}
	addr, _ := startServer(t, Config{Workers: 1})
	sum := sha256.Sum256(content)

	resp, err := dial(t, addr).Hash(context.Background(), protocol.SHA256, protocol.LocalPath("/etc/hostname"))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if resp != protocol.Success(hex.EncodeToString(sum[:])) {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestRemotePathFailsAndConnectionSurvives(t *testing.T) {
	addr, _ := startServer(t, Config{Workers: 1})
	path, want := writeTemp(t, "data", []byte("abc"))
	c := dial(t, addr)

	resp, err := c.Hash(context.Background(), protocol.SHA256, protocol.RemotePath("http://x"))
	if err != nil {
		t.Fatalf("hash remote: %v", err)
	}
	if resp != protocol.Failed() {
		t.Fatalf("expected Failed, got %+v", resp)
	}

	resp, err = c.Hash(context.Background(), protocol.SHA256, protocol.LocalPath(path))
	if err != nil || resp != protocol.Success(want) {
		t.Fatalf("follow-up request: %+v err=%v", resp, err)
	}
}

func TestTaskFailuresAreOpaque(t *testing.T) {
	addr, _ := startServer(t, Config{Workers: 1})
	c := dial(t, addr)

	missing := filepath.Join(t.TempDir(), "missing")
	for _, alg := range []protocol.HashAlgorithm{protocol.SHA256, protocol.AlgorithmUnimplemented} {
		resp, err := c.Hash(context.Background(), alg, protocol.LocalPath(missing))
		if err != nil {
			t.Fatalf("hash: %v", err)
		}
		if resp != protocol.Failed() || resp.Digest != "" {
			t.Fatalf("expected opaque Failed, got %+v", resp)
		}
	}
}

func TestUnknownAlgorithmByteFails(t *testing.T) {
	addr, _ := startServer(t, Config{Workers: 1})
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	payload := []byte{0, 0, 99, 0, 0, 0, 0, 1, '/'}
	head := binary.BigEndian.AppendUint32(nil, uint32(len(payload)))
	if _, err := conn.Write(append(head, payload...)); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg, err := protocol.DecodeMessage(conn, time.Now().Add(5*time.Second))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Kind != protocol.KindTaskResponse || msg.Response != protocol.Failed() {
		t.Fatalf("expected Failed, got %+v", msg)
	}
}

func TestSlowClientTimesOut(t *testing.T) {
	addr, srv := startServer(t, Config{Workers: 1, ReadTimeout: 300 * time.Millisecond})
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	head := binary.BigEndian.AppendUint32(nil, 65000)
	if _, err := conn.Write(append(head, make([]byte, 100)...)); err != nil {
		t.Fatalf("write: %v", err)
	}
	elapsed := expectClosed(t, conn, 3*time.Second)
	if elapsed < 200*time.Millisecond {
		t.Fatalf("closed before the read deadline: %v", elapsed)
	}
	waitFor(t, func() bool { return srv.Metrics().ActiveConnections() == 0 })
}

func TestOversizedFrameClosesImmediately(t *testing.T) {
	addr, _ := startServer(t, Config{Workers: 1})
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	head := binary.BigEndian.AppendUint32(nil, 2_000_000)
	if _, err := conn.Write(head); err != nil {
		t.Fatalf("write: %v", err)
	}
	if elapsed := expectClosed(t, conn, 2*time.Second); elapsed > time.Second {
		t.Fatalf("oversized frame not rejected immediately: %v", elapsed)
	}
}

func TestMalformedPayloadClosesConnection(t *testing.T) {
	addr, _ := startServer(t, Config{Workers: 1})
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	payload := []byte{9, 9, 9}
	head := binary.BigEndian.AppendUint32(nil, uint32(len(payload)))
	if _, err := conn.Write(append(head, payload...)); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectClosed(t, conn, 2*time.Second)
}

func TestClientSentResponseIsDiscarded(t *testing.T) {
	addr, _ := startServer(t, Config{Workers: 1})
	path, want := writeTemp(t, "data", []byte("discard"))
	c := dial(t, addr)

	if err := c.Send(context.Background(), protocol.NewResponse(protocol.Success("bogus"))); err != nil {
		t.Fatalf("send: %v", err)
	}
	resp, err := c.Hash(context.Background(), protocol.SHA256, protocol.LocalPath(path))
	if err != nil || resp != protocol.Success(want) {
		t.Fatalf("unexpected response after discard: %+v err=%v", resp, err)
	}
}

func TestConcurrentClientsReceiveTheirOwnDigests(t *testing.T) {
	addr, srv := startServer(t, Config{Workers: 3, QueueCapacity: 2})

	const clients, perClient = 12, 5
	var wg sync.WaitGroup
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		path, want := writeTemp(t, fmt.Sprintf("f%d", i), []byte(fmt.Sprintf("content-%d", i)))
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := client.Dial(context.Background(), addr, client.Options{})
			if err != nil {
				errs <- err
				return
			}
			defer c.Close()
			for j := 0; j < perClient; j++ {
				resp, err := c.Hash(context.Background(), protocol.SHA256, protocol.LocalPath(path))
				if err != nil {
					errs <- err
					return
				}
				if resp != protocol.Success(want) {
					errs <- fmt.Errorf("client %d got %+v", i, resp)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
	if got := srv.Metrics().ProcessedTasks(); got != clients*perClient {
		t.Fatalf("expected %d processed, got %d", clients*perClient, got)
	}
	waitFor(t, func() bool { return srv.Metrics().ActiveConnections() == 0 })
}

func TestServeStopsOnCancel(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := New(Config{Workers: 1}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitFor(t, func() bool { return srv.Metrics().ActiveConnections() == 1 })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not return")
	}
	expectClosed(t, conn, time.Second)
}

func TestShutdownDropsQueuedWork(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	var runs atomic.Int64
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	srv := New(Config{
		Workers:       1,
		BlockingSlots: 1,
		Digest: func(alg protocol.HashAlgorithm, path protocol.FilePath) (string, error) {
			runs.Add(1)
			select {
			case started <- struct{}{}:
			default:
			}
			<-release
			return "done", nil
		},
	}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	for i := 0; i < 3; i++ {
		c, err := client.Dial(context.Background(), ln.Addr().String(), client.Options{})
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		defer c.Close()
		go func() {
			_, _ = c.Hash(context.Background(), protocol.SHA256, protocol.LocalPath(fmt.Sprintf("f%d", i)))
		}()
	}
	<-started
	waitFor(t, func() bool { return srv.queue.Len() == 2 })

	cancel()
	waitFor(t, func() bool { return srv.Metrics().ActiveConnections() == 0 })
	time.Sleep(100 * time.Millisecond)
	close(release)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not return")
	}
	if got := runs.Load(); got != 1 {
		t.Fatalf("expected only the running digest to execute, got %d runs", got)
	}
}

func TestServeFailsWhenAdminCannotBind(t *testing.T) {
	testlog.Start(t)
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer taken.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := New(Config{Workers: 1, AdminAddr: taken.Addr().String()}, nil)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background(), ln) }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected admin bind error")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not fail on admin bind")
	}
	if srv.ready.Load() {
		t.Fatalf("server reported ready after admin bind failure")
	}
}

func TestReadCloseReason(t *testing.T) {
	cases := map[string]error{
		closeEOF:        io.EOF,
		closeTimeout:    fmt.Errorf("%w: i/o timeout", frame.ErrTimeout),
		closeTooLarge:   frame.TooLargeError{Length: 2_000_000, Limit: frame.MaxPacketSize},
		closeShortFrame: frame.ErrShortPayload,
		closeMalformed:  fmt.Errorf("%w: %w", protocol.ErrMalformed, protocol.ErrUnknownTag),
		closeIO:         errors.New("connection reset"),
	}
	for want, err := range cases {
		if got := readCloseReason(err); got != want {
			t.Fatalf("readCloseReason(%v) = %s want %s", err, got, want)
		}
	}
	if got := readCloseReason(frame.ErrShortHeader); got != closeShortFrame {
		t.Fatalf("short header mapped to %s", got)
	}
}

func TestAdminRoutes(t *testing.T) {
	testlog.Start(t)
	srv := New(Config{Workers: 4, QueueCapacity: 7}, nil)
	router := srv.AdminRouter()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health status: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected not ready before Serve, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	var stats struct {
		Metrics       observability.Snapshot `json:"metrics"`
		QueueCapacity int                    `json:"queue_capacity"`
		Workers       int                    `json:"workers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.QueueCapacity != 7 || stats.Workers != 4 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status: %d", rec.Code)
	}
}

func TestAdminTokenGuardsPrivateRoutes(t *testing.T) {
	testlog.Start(t)
	router := New(Config{AdminToken: "secret"}, nil).AdminRouter()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health must stay open, got %d", rec.Code)
	}

	for _, path := range []string{"/stats", "/metrics"} {
		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s without token: status %d", path, rec.Code)
		}

		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", "Bearer secret")
		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s with token: status %d", path, rec.Code)
		}
	}
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{Workers: 3}.WithDefaults()
	if cfg.BlockingSlots != 3 || cfg.QueueCapacity != 100 || cfg.ReadTimeout != 5*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}
