// Package testutil starts the server binary for end-to-end tests and talks to
// it over h2c.
package testutil

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/net/http2"
	"golang.org/x/sys/unix"
)

// TestRequest models an HTTP request for E2E testing.
type TestRequest struct {
	Method  string
	Path    string // may include a query string
	Headers http.Header
	Body    []byte
}

// BodyMatcher checks a response body.
type BodyMatcher interface {
	Match(body []byte) (bool, string)
}

// ExactBodyMatcher matches the body exactly.
type ExactBodyMatcher struct {
	ExpectedBody []byte
}

func (m *ExactBodyMatcher) Match(body []byte) (bool, string) {
	if bytes.Equal(m.ExpectedBody, body) {
		return true, ""
	}
	return false, fmt.Sprintf("bodies do not match exactly. Expected: %q, Got: %q", m.ExpectedBody, body)
}

// StringContainsBodyMatcher checks that the body contains Substring.
type StringContainsBodyMatcher struct {
	Substring string
}

func (m *StringContainsBodyMatcher) Match(body []byte) (bool, string) {
	if bytes.Contains(body, []byte(m.Substring)) {
		return true, ""
	}
	return false, fmt.Sprintf("body does not contain substring %q. Body: %q", m.Substring, body)
}

// ExpectedResponse is the outcome a test case expects.
type ExpectedResponse struct {
	StatusCode   int
	Headers      map[string]string // exact values
	BodyMatcher  BodyMatcher
	ExpectNoBody bool
}

// ActualResponse is what the client received.
type ActualResponse struct {
	StatusCode int
	Proto      string
	Headers    http.Header
	Body       []byte
}

var (
	buildOnce   sync.Once
	builtBinary string
	buildErr    error
)

// ServerBinary returns the server binary named by TEST_SERVER_BINARY, or
// builds ./cmd/server once per test process.
func ServerBinary(t *testing.T) string {
	t.Helper()
	if p := os.Getenv("TEST_SERVER_BINARY"); p != "" {
		return p
	}
	buildOnce.Do(func() {
		_, file, _, ok := runtime.Caller(0)
		if !ok {
			buildErr = fmt.Errorf("cannot locate project root")
			return
		}
		root := filepath.Join(filepath.Dir(file), "..", "..")
		dir, err := os.MkdirTemp("", "quicspool-e2e-")
		if err != nil {
			buildErr = err
			return
		}
		builtBinary = filepath.Join(dir, "quicspool")
		cmd := exec.Command("go", "build", "-o", builtBinary, "./cmd/server")
		cmd.Dir = root
		if out, err := cmd.CombinedOutput(); err != nil {
			buildErr = fmt.Errorf("building server: %w\n%s", err, out)
		}
	})
	if buildErr != nil {
		t.Fatalf("%v", buildErr)
	}
	return builtBinary
}

// GetFreePort asks the kernel for a free TCP port.
func GetFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// GetFreeUDPPort asks the kernel for a free UDP port.
func GetFreeUDPPort() (int, error) {
	c, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer c.Close()
	return c.LocalAddr().(*net.UDPAddr).Port, nil
}

// WriteTempConfig writes configData as JSON or TOML into t.TempDir().
func WriteTempConfig(t *testing.T, configData any, format string) string {
	t.Helper()
	var data []byte
	var err error
	switch strings.ToLower(format) {
	case "json":
		data, err = json.MarshalIndent(configData, "", "  ")
	case "toml":
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(configData)
		data = buf.Bytes()
	default:
		err = fmt.Errorf("unsupported config format: %s", format)
	}
	if err != nil {
		t.Fatalf("encoding %s config: %v", format, err)
	}
	p := filepath.Join(t.TempDir(), "server."+strings.ToLower(format))
	if err := os.WriteFile(p, data, 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return p
}

// syncBuffer is a bytes.Buffer safe for the copying goroutine and readers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// ServerInstance is a running server process.
type ServerInstance struct {
	Cmd        *exec.Cmd
	Address    string
	ConfigPath string

	logs    *syncBuffer
	done    chan struct{}
	waitErr error
}

// StartTestServer runs `serve --config configFile` and waits until address
// accepts TCP connections. The process is stopped when the test ends.
func StartTestServer(t *testing.T, binary, configFile, address string, extraArgs ...string) *ServerInstance {
	t.Helper()
	args := append([]string{"serve", "--config", configFile}, extraArgs...)
	cmd := exec.Command(binary, args...)
	logs := &syncBuffer{}
	cmd.Stdout = logs
	cmd.Stderr = logs

	s := &ServerInstance{Cmd: cmd, Address: address, ConfigPath: configFile, logs: logs, done: make(chan struct{})}
	if err := cmd.Start(); err != nil {
		t.Fatalf("starting server %s: %v", binary, err)
	}
	go func() {
		s.waitErr = cmd.Wait()
		close(s.done)
	}()
	t.Cleanup(func() {
		if err := s.Stop(); err != nil {
			t.Logf("stopping server: %v", err)
		}
		if t.Failed() {
			t.Logf("server logs:\n%s", s.Logs())
		}
	})

	deadline := time.Now().Add(10 * time.Second)
	for {
		conn, err := net.DialTimeout("tcp", address, 200*time.Millisecond)
		if err == nil {
			conn.Close()
			return s
		}
		select {
		case <-s.done:
			t.Fatalf("server exited before listening: %v\n%s", s.waitErr, s.Logs())
		default:
		}
		if time.Now().After(deadline) {
			t.Fatalf("server not ready at %s: %v\n%s", address, err, s.Logs())
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// Logs returns everything the process wrote so far.
func (s *ServerInstance) Logs() string { return s.logs.String() }

// Exited reports whether the process has ended.
func (s *ServerInstance) Exited() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Stop sends SIGINT, then SIGKILL after a grace period.
func (s *ServerInstance) Stop() error {
	if s.Exited() {
		return nil
	}
	if err := s.Cmd.Process.Signal(unix.SIGINT); err == nil {
		select {
		case <-s.done:
			return s.waitErr
		case <-time.After(5 * time.Second):
		}
	}
	_ = s.Cmd.Process.Kill()
	<-s.done
	return fmt.Errorf("server did not stop after SIGINT")
}

// Signal sends sig to the process.
func (s *ServerInstance) Signal(sig os.Signal) error {
	return s.Cmd.Process.Signal(sig)
}

// NewH2CClient returns a client that speaks HTTP/2 with prior knowledge over
// cleartext TCP.
func NewH2CClient() *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		},
	}
}

// Do sends req to the server with client.
func Do(t *testing.T, client *http.Client, s *ServerInstance, req TestRequest) ActualResponse {
	t.Helper()
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	r, err := http.NewRequest(method, "http://"+s.Address+req.Path, body)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	for k, v := range req.Headers {
		r.Header[k] = v
	}
	resp, err := client.Do(r)
	if err != nil {
		t.Fatalf("%s %s: %v", method, req.Path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body of %s %s: %v", method, req.Path, err)
	}
	return ActualResponse{StatusCode: resp.StatusCode, Proto: resp.Proto, Headers: resp.Header, Body: data}
}

// CheckResponse reports every mismatch between actual and expected.
func CheckResponse(t *testing.T, actual ActualResponse, expected ExpectedResponse) {
	t.Helper()
	if expected.StatusCode != 0 && actual.StatusCode != expected.StatusCode {
		t.Errorf("status: expected %d, got %d (body %q)", expected.StatusCode, actual.StatusCode, actual.Body)
	}
	for name, want := range expected.Headers {
		if got := actual.Headers.Get(name); got != want {
			t.Errorf("header %s: expected %q, got %q", name, want, got)
		}
	}
	if expected.ExpectNoBody {
		if len(actual.Body) != 0 {
			t.Errorf("expected no body, got %d bytes", len(actual.Body))
		}
		return
	}
	if expected.BodyMatcher != nil {
		if ok, msg := expected.BodyMatcher.Match(actual.Body); !ok {
			t.Errorf("body: %s", msg)
		}
	}
}
