package codex

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/swarmdev/swarmd/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

// newEchoClient spawns cat as the child, so every frame written to stdin
// comes straight back on stdout. Echoed requests are classified as incoming
// server requests, and the responses the client writes for them come back as
// response frames, which resolves the original call.
func newEchoClient(t *testing.T) *Client {
	t.Helper()
	c := New(ProcessConfig{Command: "cat"}, newTestLogger(t))
	t.Cleanup(c.Dispose)
	return c
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestSpawnMissingBinary(t *testing.T) {
	c := New(ProcessConfig{Command: "definitely-not-a-codex-binary"}, newTestLogger(t))
	err := c.Spawn()
	if err == nil {
		t.Fatal("expected spawn to fail")
	}

	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("expected *SpawnError, got %T", err)
	}
	if got := err.Error(); got != "Codex CLI is not installed or not available on PATH" {
		t.Errorf("unexpected message: %q", got)
	}
}

func TestSpawnMissingBinaryAbsolutePath(t *testing.T) {
	c := New(ProcessConfig{Command: "/nonexistent/bin/codex"}, newTestLogger(t))
	err := c.Spawn()
	if err == nil {
		t.Fatal("expected spawn to fail")
	}
	if got := err.Error(); got != "Codex CLI is not installed or not available on PATH" {
		t.Errorf("unexpected message: %q", got)
	}
}

func TestSpawnErrorOtherCause(t *testing.T) {
	err := &SpawnError{Bin: "codex", Err: errors.New("fork: resource unavailable")}
	if got := err.Error(); got != "failed to start codex: fork: resource unavailable" {
		t.Errorf("unexpected message: %q", got)
	}
}

func TestCallRoundTrip(t *testing.T) {
	c := newEchoClient(t)

	c.SetRequestHandler(func(method string, params json.RawMessage) (interface{}, error) {
		if method != "echo/hello" {
			return nil, &Error{Code: MethodNotFound, Message: "Method not found"}
		}
		var p map[string]string
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return map[string]string{"reply": "hello " + p["name"]}, nil
	})

	if err := c.Spawn(); err != nil {
		t.Fatalf("spawn failed: %v", err)
	}

	var result struct {
		Reply string `json:"reply"`
	}
	err := c.Call(context.Background(), "echo/hello", map[string]string{"name": "world"}, &result)
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if result.Reply != "hello world" {
		t.Errorf("expected 'hello world', got %q", result.Reply)
	}
}

func TestCallErrorResponse(t *testing.T) {
	c := newEchoClient(t)

	c.SetRequestHandler(func(method string, params json.RawMessage) (interface{}, error) {
		switch method {
		case "fail/plain":
			return nil, errors.New("boom")
		case "fail/coded":
			return nil, &Error{Code: InvalidParams, Message: "bad params"}
		}
		return nil, nil
	})

	if err := c.Spawn(); err != nil {
		t.Fatalf("spawn failed: %v", err)
	}

	err := c.Call(context.Background(), "fail/plain", nil, nil)
	var rpcErr *Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if rpcErr.Code != HandlerError || rpcErr.Message != "boom" {
		t.Errorf("unexpected error: code=%d message=%q", rpcErr.Code, rpcErr.Message)
	}

	err = c.Call(context.Background(), "fail/coded", nil, nil)
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if rpcErr.Code != InvalidParams {
		t.Errorf("expected code %d, got %d", InvalidParams, rpcErr.Code)
	}
}

func TestCallWithoutRequestHandler(t *testing.T) {
	c := newEchoClient(t)
	if err := c.Spawn(); err != nil {
		t.Fatalf("spawn failed: %v", err)
	}

	// The echoed request has no handler, so the client answers it with a
	// method-not-found error, which cat echoes back as our response.
	err := c.Call(context.Background(), "unknown/method", nil, nil)
	var rpcErr *Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if rpcErr.Code != MethodNotFound {
		t.Errorf("expected code %d, got %d", MethodNotFound, rpcErr.Code)
	}
}

func TestNotifyRoundTrip(t *testing.T) {
	c := newEchoClient(t)

	got := make(chan Notification, 1)
	c.SetNotificationHandler(func(method string, params json.RawMessage) {
		got <- Notification{Method: method, Params: params}
	})

	if err := c.Spawn(); err != nil {
		t.Fatalf("spawn failed: %v", err)
	}

	if err := c.Notify("status/ping", map[string]int{"seq": 7}); err != nil {
		t.Fatalf("notify failed: %v", err)
	}

	select {
	case n := <-got:
		if n.Method != "status/ping" {
			t.Errorf("expected method status/ping, got %q", n.Method)
		}
		var p map[string]int
		if err := json.Unmarshal(n.Params, &p); err != nil {
			t.Fatalf("failed to decode params: %v", err)
		}
		if p["seq"] != 7 {
			t.Errorf("expected seq 7, got %d", p["seq"])
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestCallTimeout(t *testing.T) {
	c := New(ProcessConfig{Command: "sleep", Args: []string{"30"}}, newTestLogger(t))
	if err := c.Spawn(); err != nil {
		t.Fatalf("spawn failed: %v", err)
	}
	defer func() {
		_ = syscall.Kill(c.Pid(), syscall.SIGKILL)
		waitClosed(t, c.exited, "child exit")
		c.Dispose()
	}()

	err := c.CallWithTimeout(context.Background(), "turn/start", nil, nil, 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestPendingCallRejectedOnExit(t *testing.T) {
	c := New(ProcessConfig{Command: "sleep", Args: []string{"30"}}, newTestLogger(t))

	exitCh := make(chan ExitStatus, 1)
	c.SetExitHandler(func(status ExitStatus) {
		exitCh <- status
	})

	if err := c.Spawn(); err != nil {
		t.Fatalf("spawn failed: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.CallWithTimeout(context.Background(), "turn/start", nil, nil, 0)
	}()

	// Give the call a moment to register before killing the child.
	time.Sleep(50 * time.Millisecond)
	if err := syscall.Kill(c.Pid(), syscall.SIGKILL); err != nil {
		t.Fatalf("kill failed: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrDisposed) {
			t.Fatalf("expected ErrDisposed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending call was not rejected")
	}

	select {
	case status := <-exitCh:
		if status.Signal != "killed" {
			t.Errorf("expected signal 'killed', got %q", status.Signal)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("exit handler did not fire")
	}
}

func TestExitHandlerOnChildExit(t *testing.T) {
	c := New(ProcessConfig{Command: "sh", Args: []string{"-c", "exit 3"}}, newTestLogger(t))

	exitCh := make(chan ExitStatus, 1)
	c.SetExitHandler(func(status ExitStatus) {
		exitCh <- status
	})

	if err := c.Spawn(); err != nil {
		t.Fatalf("spawn failed: %v", err)
	}

	select {
	case status := <-exitCh:
		if status.Code != 3 {
			t.Errorf("expected exit code 3, got %d", status.Code)
		}
		if status.Signal != "" {
			t.Errorf("expected no signal, got %q", status.Signal)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("exit handler did not fire")
	}

	// The client is disposed once the child is gone.
	err := c.Call(context.Background(), "turn/start", nil, nil)
	if !errors.Is(err, ErrDisposed) {
		t.Errorf("expected ErrDisposed after exit, got %v", err)
	}
	if c.Running() {
		t.Error("expected Running to report false after exit")
	}
}

func TestDisposeIdempotent(t *testing.T) {
	c := New(ProcessConfig{Command: "cat"}, newTestLogger(t))

	var exits atomic.Int32
	fired := make(chan struct{})
	c.SetExitHandler(func(status ExitStatus) {
		if exits.Add(1) == 1 {
			close(fired)
		}
	})

	if err := c.Spawn(); err != nil {
		t.Fatalf("spawn failed: %v", err)
	}

	c.Dispose()
	c.Dispose()

	waitClosed(t, fired, "exit handler")
	waitClosed(t, c.exited, "child exit")

	if n := exits.Load(); n != 1 {
		t.Errorf("expected exit handler to fire once, fired %d times", n)
	}
	if c.Running() {
		t.Error("expected Running to report false after dispose")
	}
}

func TestEnvAndNotificationFromScript(t *testing.T) {
	script := `echo "{\"method\":\"env/report\",\"params\":{\"v\":\"$TEST_SWARM_VAR\"}}"; read x`
	c := New(ProcessConfig{
		Command: "sh",
		Args:    []string{"-c", script},
		Env:     []string{"TEST_SWARM_VAR=hello"},
	}, newTestLogger(t))
	t.Cleanup(c.Dispose)

	got := make(chan json.RawMessage, 1)
	c.SetNotificationHandler(func(method string, params json.RawMessage) {
		if method == "env/report" {
			got <- params
		}
	})

	if err := c.Spawn(); err != nil {
		t.Fatalf("spawn failed: %v", err)
	}

	select {
	case params := <-got:
		var p map[string]string
		if err := json.Unmarshal(params, &p); err != nil {
			t.Fatalf("failed to decode params: %v", err)
		}
		if p["v"] != "hello" {
			t.Errorf("expected env value 'hello', got %q", p["v"])
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestStderrCapture(t *testing.T) {
	script := `echo "warn: first" >&2; echo "warn: second" >&2; read x`
	c := New(ProcessConfig{Command: "sh", Args: []string{"-c", script}}, newTestLogger(t))
	t.Cleanup(c.Dispose)

	lines := make(chan string, 4)
	c.SetStderrHandler(func(line string) {
		lines <- line
	})

	if err := c.Spawn(); err != nil {
		t.Fatalf("spawn failed: %v", err)
	}

	for _, want := range []string{"warn: first", "warn: second"} {
		select {
		case line := <-lines:
			if line != want {
				t.Errorf("expected stderr line %q, got %q", want, line)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for stderr line %q", want)
		}
	}

	recent := c.RecentStderr()
	if len(recent) != 2 || recent[0] != "warn: first" || recent[1] != "warn: second" {
		t.Errorf("unexpected recent stderr: %v", recent)
	}
}

func TestCallBeforeSpawn(t *testing.T) {
	c := New(ProcessConfig{Command: "cat"}, newTestLogger(t))
	err := c.Call(context.Background(), "initialize", nil, nil)
	if !errors.Is(err, ErrNotSpawned) {
		t.Errorf("expected ErrNotSpawned, got %v", err)
	}
}

func TestExitStatusString(t *testing.T) {
	if got := (ExitStatus{Code: 3}).String(); got != "exit code 3" {
		t.Errorf("unexpected string: %q", got)
	}
	if got := (ExitStatus{Code: -1, Signal: "killed"}).String(); got != "signal killed" {
		t.Errorf("unexpected string: %q", got)
	}
}

func TestNormalizeID(t *testing.T) {
	if id, ok := normalizeID(float64(42)); !ok || id != 42 {
		t.Errorf("float64: got %d ok=%v", id, ok)
	}
	if id, ok := normalizeID(int64(7)); !ok || id != 7 {
		t.Errorf("int64: got %d ok=%v", id, ok)
	}
	if id, ok := normalizeID(json.Number("13")); !ok || id != 13 {
		t.Errorf("json.Number: got %d ok=%v", id, ok)
	}
	if _, ok := normalizeID("abc"); ok {
		t.Error("string id should not normalize")
	}
}
