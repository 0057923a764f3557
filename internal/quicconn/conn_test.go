package quicconn_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/quicspool/internal/config"
	"example.com/quicspool/internal/handlers/quicecho"
	"example.com/quicspool/internal/logger"
	"example.com/quicspool/internal/metrics"
	"example.com/quicspool/internal/quicconn"
	"example.com/quicspool/internal/quicstream"
	certutil "example.com/quicspool/internal/testutil"
)

const testALPN = "quicspool-test"

type testServer struct {
	ln        *quicconn.Listener
	clientTLS *tls.Config
	metrics   *metrics.Collector
	done      chan error
}

func startServer(t *testing.T, handler quicconn.StreamHandler, sendWindow, recvWindow int) *testServer {
	t.Helper()
	serverTLS, clientTLS := certutil.TLSConfigPair(t, testALPN)
	m := metrics.NewCollector("test")
	lg := logger.NewDiscardLogger()
	cfg := &config.QuicConfig{
		Address:            "127.0.0.1:0",
		StreamSendWindow:   sendWindow,
		StreamRecvWindow:   recvWindow,
		MaxIncomingStreams: 16,
	}
	opts := quicconn.Options{
		Factory:  &quicstream.EndpointFactory{Scheduler: quicstream.NewTimerScheduler(), Logger: lg, Metrics: m},
		Executor: quicstream.NewExecutor(4, lg),
		Handler:  handler,
		Logger:   lg,
	}
	ln, err := quicconn.Listen(context.Background(), cfg, serverTLS, opts)
	require.NoError(t, err)

	s := &testServer{ln: ln, clientTLS: clientTLS, metrics: m, done: make(chan error, 1)}
	go func() { s.done <- ln.Serve(context.Background()) }()
	t.Cleanup(func() {
		_ = ln.Close()
		select {
		case err := <-s.done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after Close")
		}
	})
	return s
}

func (s *testServer) dial(t *testing.T) quic.Connection {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	qc, err := quic.DialAddr(ctx, s.ln.Addr().String(), s.clientTLS, &quic.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = qc.CloseWithError(0, "") })
	return qc
}

func echoRoundTrip(t *testing.T, qc quic.Connection, payload []byte) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	str, err := qc.OpenStreamSync(ctx)
	require.NoError(t, err)
	_ = str.SetDeadline(time.Now().Add(10 * time.Second))

	writeErr := make(chan error, 1)
	go func() {
		_, err := str.Write(payload)
		if err == nil {
			err = str.Close()
		}
		writeErr <- err
	}()
	got, err := io.ReadAll(str)
	require.NoError(t, err)
	require.NoError(t, <-writeErr)
	return got
}

func TestLoopbackEcho(t *testing.T) {
	srv := startServer(t, quicecho.New(0, nil), 0, 0)
	qc := srv.dial(t)

	got := echoRoundTrip(t, qc, []byte("hello over quic"))
	assert.Equal(t, "hello over quic", string(got))
}

func TestLoopbackEcho_SmallWindows(t *testing.T) {
	// Windows far below the payload force short writes and paused reads.
	srv := startServer(t, quicecho.New(4096, nil), 1024, 4096)
	qc := srv.dial(t)

	payload := make([]byte, 256*1024)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	got := echoRoundTrip(t, qc, payload)
	require.Equal(t, len(payload), len(got))
	assert.True(t, bytes.Equal(payload, got), "echoed bytes differ")

	n, err := testutil.GatherAndCount(srv.metrics.Registry(), "test_stream_bytes_total", "test_stream_short_flushes_total")
	require.NoError(t, err)
	assert.Equal(t, 3, n, "fill and flush byte counters plus short flushes")
}

func TestLoopbackEcho_ConcurrentStreams(t *testing.T) {
	srv := startServer(t, quicecho.New(0, nil), 2048, 2048)
	qc := srv.dial(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := bytes.Repeat([]byte{byte('a' + i)}, 32*1024)
			got := echoRoundTrip(t, qc, payload)
			assert.Equal(t, payload, got)
		}(i)
	}
	wg.Wait()

	assert.Eventually(t, func() bool {
		return testutil.GatherAndCompare(srv.metrics.Registry(), strings.NewReader(`
# HELP test_stream_open_endpoints Stream endpoints currently open
# TYPE test_stream_open_endpoints gauge
test_stream_open_endpoints 0
`), "test_stream_open_endpoints") == nil
	}, 5*time.Second, 10*time.Millisecond, "every endpoint closes after its echo")
}

func TestShutdownInputSendsStopSending(t *testing.T) {
	srv := startServer(t, quicconn.StreamHandlerFunc(func(ep *quicstream.Endpoint) {
		ep.ShutdownInput()
	}), 0, 0)
	qc := srv.dial(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	str, err := qc.OpenStreamSync(ctx)
	require.NoError(t, err)

	chunk := make([]byte, 1024)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err = str.Write(chunk); err != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	var streamErr *quic.StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.Equal(t, quic.StreamErrorCode(quicstream.ErrCodeStopSending), streamErr.ErrorCode)
	assert.True(t, streamErr.Remote)
}

func TestPeerCloseClosesEndpoints(t *testing.T) {
	causes := make(chan error, 1)
	srv := startServer(t, quicconn.StreamHandlerFunc(func(ep *quicstream.Endpoint) {
		ep.AddCloseListener(func(cause error) { causes <- cause })
		_ = ep.FillInterested(quicstream.NewCallback(nil, nil, quicstream.NonBlocking))
	}), 0, 0)
	qc := srv.dial(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	str, err := qc.OpenStreamSync(ctx)
	require.NoError(t, err)
	_, err = str.Write([]byte("x"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return srv.ln.Connections() == 1 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, qc.CloseWithError(7, "client done"))

	select {
	case cause := <-causes:
		assert.ErrorIs(t, cause, quicstream.ErrConnectionClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("endpoint was not closed after the peer closed the connection")
	}
	assert.Eventually(t, func() bool { return srv.ln.Connections() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestListenerCloseClosesConnections(t *testing.T) {
	srv := startServer(t, quicecho.New(0, nil), 0, 0)
	qc := srv.dial(t)
	_ = echoRoundTrip(t, qc, []byte("ping"))

	require.NoError(t, srv.ln.Close())
	select {
	case <-qc.Context().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client connection still open after listener Close")
	}
	var appErr *quic.ApplicationError
	require.ErrorAs(t, context.Cause(qc.Context()), &appErr)
	assert.Equal(t, quic.ApplicationErrorCode(quicstream.ErrCodeNoError), appErr.ErrorCode)
	assert.NoError(t, srv.ln.Close(), "second Close is a no-op")
}

// readAll collects everything the endpoint receives until the peer's FIN.
func readAll(ep *quicstream.Endpoint) <-chan []byte {
	out := make(chan []byte, 1)
	var got bytes.Buffer
	buf := make([]byte, 1024)
	var step func()
	step = func() {
		for {
			n, err := ep.Fill(buf)
			if errors.Is(err, io.EOF) {
				out <- got.Bytes()
				return
			}
			if err != nil {
				out <- nil
				return
			}
			got.Write(buf[:n])
			if n > 0 {
				continue
			}
			if ep.IsInputShutdown() {
				continue
			}
			if err := ep.FillInterested(quicstream.NewCallback(step, func(error) { out <- nil }, quicstream.NonBlocking)); err != nil {
				out <- nil
			}
			return
		}
	}
	step()
	return out
}

func TestDialAndOpenStream(t *testing.T) {
	srv := startServer(t, quicecho.New(0, nil), 0, 0)

	lg := logger.NewDiscardLogger()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := quicconn.Dial(ctx, srv.ln.Addr().String(), srv.clientTLS, &quic.Config{}, quicconn.Options{
		Factory: &quicstream.EndpointFactory{Logger: lg},
		Logger:  lg,
	})
	require.NoError(t, err)
	defer c.Close(quicstream.ErrCodeNoError, "")

	ep, err := c.OpenStream(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Endpoints())
	received := readAll(ep)

	written := make(chan error, 1)
	require.NoError(t, ep.Write(quicstream.NewCallback(func() { written <- nil }, func(err error) { written <- err }, quicstream.NonBlocking),
		bytes.NewBufferString("round "), bytes.NewBufferString("trip")))
	require.NoError(t, <-written)
	ep.ShutdownOutput()

	select {
	case got := <-received:
		assert.Equal(t, "round trip", string(got))
	case <-time.After(5 * time.Second):
		t.Fatal("echo never arrived")
	}
	assert.Eventually(t, func() bool { return c.Endpoints() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, quicstream.StateClosed, ep.State())
}

func TestNewConnValidation(t *testing.T) {
	_, err := quicconn.NewConn(nil, quicconn.Options{})
	assert.Error(t, err)
}

func TestListenValidation(t *testing.T) {
	serverTLS, _ := certutil.TLSConfigPair(t, testALPN)
	opts := quicconn.Options{Factory: &quicstream.EndpointFactory{}, Handler: quicecho.New(0, nil)}

	_, err := quicconn.Listen(context.Background(), nil, serverTLS, opts)
	assert.Error(t, err)
	_, err = quicconn.Listen(context.Background(), &config.QuicConfig{Address: "127.0.0.1:0"}, nil, opts)
	assert.Error(t, err)
	_, err = quicconn.Listen(context.Background(), &config.QuicConfig{Address: "127.0.0.1:0"}, serverTLS, quicconn.Options{})
	assert.Error(t, err)
}

func TestNewQUICConfig(t *testing.T) {
	idle := config.Duration(45 * time.Second)
	keepAlive := config.Duration(5 * time.Second)
	qc := quicconn.NewQUICConfig(&config.QuicConfig{
		IdleTimeout:        &idle,
		KeepAlivePeriod:    &keepAlive,
		StreamRecvWindow:   128 * 1024,
		MaxIncomingStreams: 32,
	})
	assert.Equal(t, 45*time.Second, qc.MaxIdleTimeout)
	assert.Equal(t, 5*time.Second, qc.KeepAlivePeriod)
	assert.Equal(t, uint64(128*1024), qc.InitialStreamReceiveWindow)
	assert.Equal(t, uint64(128*1024), qc.MaxStreamReceiveWindow)
	assert.Equal(t, int64(32), qc.MaxIncomingStreams)
}

func TestLoadTLSConfig(t *testing.T) {
	certFile, keyFile, err := certutil.GenerateSelfSignedCertKeyFiles(t, "localhost")
	require.NoError(t, err)

	tc, err := quicconn.LoadTLSConfig(&config.QuicConfig{CertFile: certFile, KeyFile: keyFile})
	require.NoError(t, err)
	assert.Equal(t, config.DefaultALPN, tc.NextProtos)
	assert.Len(t, tc.Certificates, 1)
	assert.Equal(t, uint16(tls.VersionTLS13), tc.MinVersion)

	tc, err = quicconn.LoadTLSConfig(&config.QuicConfig{CertFile: certFile, KeyFile: keyFile, ALPN: []string{"x"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, tc.NextProtos)

	_, err = quicconn.LoadTLSConfig(&config.QuicConfig{})
	assert.Error(t, err)
	_, err = quicconn.LoadTLSConfig(&config.QuicConfig{CertFile: keyFile, KeyFile: certFile})
	assert.Error(t, err)
}
