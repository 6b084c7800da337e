package codex

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/swarmdev/swarmd/internal/common/logger"
	"go.uber.org/zap"
)

// DefaultCallTimeout bounds Call; pass a timeout of 0 to CallWithTimeout to
// wait indefinitely.
const DefaultCallTimeout = 30 * time.Second

// stderrRingSize is how many recent stderr lines are retained for error
// reporting after the child dies.
const stderrRingSize = 20

// killGracePeriod is how long Dispose waits between escalation steps
// (stdin close, SIGTERM, SIGKILL).
const killGracePeriod = 2 * time.Second

// ProcessConfig describes the Codex app-server child process.
type ProcessConfig struct {
	Command string
	Args    []string
	Dir     string
	Env     []string // KEY=VALUE pairs appended to the parent environment
}

// ExitStatus describes how the child process ended.
type ExitStatus struct {
	Code   int
	Signal string
}

func (s ExitStatus) String() string {
	if s.Signal != "" {
		return "signal " + s.Signal
	}
	return fmt.Sprintf("exit code %d", s.Code)
}

// NotificationHandler receives server notifications in stdout order.
type NotificationHandler func(method string, params json.RawMessage)

// RequestHandler answers server requests. The returned value is marshaled as
// the response result; a returned error becomes an error response (code
// -32000, or the *Error's own code when errors.As matches).
type RequestHandler func(method string, params json.RawMessage) (interface{}, error)

// ExitHandler observes the child exit. It fires exactly once, for
// Dispose-initiated shutdowns as well as unexpected exits.
type ExitHandler func(status ExitStatus)

// StderrHandler receives raw stderr lines from the child.
type StderrHandler func(line string)

// Client owns a Codex app-server child process and speaks line-delimited
// JSON-RPC over its stdio. Unlike standard JSON-RPC 2.0, Codex omits the
// "jsonrpc":"2.0" field; frames are told apart by field presence.
//
// Handlers run on the stdout read goroutine, so they observe the protocol
// stream in order. Dispose must not be called from inside a handler.
type Client struct {
	cfg    ProcessConfig
	logger *logger.Logger

	cmd   *exec.Cmd
	stdin io.WriteCloser

	requestID atomic.Int64
	pending   map[int64]chan *Response

	mu       sync.Mutex // guards pending, disposed, stderrRing
	writeMu  sync.Mutex // serializes stdin writes
	disposed bool

	onNotification NotificationHandler
	onRequest      RequestHandler
	onExit         ExitHandler
	onStderr       StderrHandler

	stderrRing []string

	done       chan struct{} // closed once the client is disposed
	exited     chan struct{} // closed once the child has been reaped
	stdoutDone chan struct{}
	stderrDone chan struct{}
	exitOnce   sync.Once
	dispOnce   sync.Once
}

// New creates a client for the given child process configuration. Set
// handlers before calling Spawn.
func New(cfg ProcessConfig, log *logger.Logger) *Client {
	return &Client{
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "codex-client")),
		pending:    make(map[int64]chan *Response),
		done:       make(chan struct{}),
		exited:     make(chan struct{}),
		stdoutDone: make(chan struct{}),
		stderrDone: make(chan struct{}),
	}
}

// SetNotificationHandler sets the handler for incoming notifications
func (c *Client) SetNotificationHandler(handler NotificationHandler) {
	c.onNotification = handler
}

// SetRequestHandler sets the handler for incoming requests from the agent
func (c *Client) SetRequestHandler(handler RequestHandler) {
	c.onRequest = handler
}

// SetExitHandler sets the handler invoked once when the child exits
func (c *Client) SetExitHandler(handler ExitHandler) {
	c.onExit = handler
}

// SetStderrHandler sets the handler for child stderr lines
func (c *Client) SetStderrHandler(handler StderrHandler) {
	c.onStderr = handler
}

// Spawn starts the child process and begins reading its stdio. A missing
// binary surfaces as a *SpawnError; the exit handler does not fire for
// processes that never started.
func (c *Client) Spawn() error {
	cmd := exec.Command(c.cfg.Command, c.cfg.Args...)
	cmd.Dir = c.cfg.Dir
	if len(c.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), c.cfg.Env...)
	}
	// Kill the child if the parent dies, and give it its own process group
	// so Dispose can take down anything it forked.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGTERM,
		Setpgid:   true,
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &SpawnError{Bin: c.cfg.Command, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &SpawnError{Bin: c.cfg.Command, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &SpawnError{Bin: c.cfg.Command, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return &SpawnError{Bin: c.cfg.Command, Err: err}
	}

	c.cmd = cmd
	c.stdin = stdin

	c.logger.Info("codex process started",
		zap.String("command", c.cfg.Command),
		zap.Int("pid", cmd.Process.Pid))

	go c.readLoop(stdout)
	go c.stderrLoop(stderr)
	go c.monitorExit()

	return nil
}

// Running reports whether the child process is still alive.
func (c *Client) Running() bool {
	if c.cmd == nil {
		return false
	}
	select {
	case <-c.exited:
		return false
	default:
		return true
	}
}

// Pid returns the child process id, or 0 before Spawn.
func (c *Client) Pid() int {
	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// RecentStderr returns the most recent stderr lines from the child, oldest
// first.
func (c *Client) RecentStderr() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.stderrRing))
	copy(out, c.stderrRing)
	return out
}

// Call sends a request and decodes the response result into result (which
// may be nil). It applies DefaultCallTimeout.
func (c *Client) Call(ctx context.Context, method string, params, result interface{}) error {
	return c.CallWithTimeout(ctx, method, params, result, DefaultCallTimeout)
}

// CallWithTimeout sends a request and waits up to timeout for its response.
// A timeout of 0 waits until the context is done or the client is disposed.
// Error responses from the child are returned as *Error.
func (c *Client) CallWithTimeout(ctx context.Context, method string, params, result interface{}, timeout time.Duration) error {
	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	id := c.requestID.Add(1)
	respCh := make(chan *Response, 1)

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}
	c.pending[id] = respCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(&Request{ID: id, Method: method, Params: paramsJSON}); err != nil {
		return err
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("failed to decode %s result: %w", method, err)
			}
		}
		return nil
	case <-timeoutCh:
		return fmt.Errorf("request %s: %w after %s", method, ErrTimeout, timeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrDisposed
	}
}

// Notify sends a notification (no response expected)
func (c *Client) Notify(method string, params interface{}) error {
	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
	}
	return c.send(&Notification{Method: method, Params: paramsJSON})
}

// Dispose shuts the child down: it stops accepting calls, rejects pending
// ones, closes stdin and escalates to SIGTERM and then SIGKILL if the
// process does not exit. Safe to call more than once.
func (c *Client) Dispose() {
	c.dispOnce.Do(c.dispose)
}

func (c *Client) dispose() {
	c.markDisposed()

	if c.stdin != nil {
		_ = c.stdin.Close()
	}
	if c.cmd == nil || c.cmd.Process == nil {
		return
	}

	// Codex exits when its stdin closes; the signals below are the fallback.
	select {
	case <-c.exited:
		return
	case <-time.After(killGracePeriod):
	}

	pgid := c.cmd.Process.Pid
	c.logger.Warn("codex process did not exit on stdin close, sending SIGTERM", zap.Int("pid", pgid))
	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	select {
	case <-c.exited:
		return
	case <-time.After(killGracePeriod):
	}

	c.logger.Warn("codex process did not exit on SIGTERM, sending SIGKILL", zap.Int("pid", pgid))
	_ = syscall.Kill(-pgid, syscall.SIGKILL)

	select {
	case <-c.exited:
	case <-time.After(killGracePeriod):
		c.logger.Error("codex process survived SIGKILL", zap.Int("pid", pgid))
	}
}

// markDisposed flips the client into the disposed state and unblocks every
// pending call with ErrDisposed.
func (c *Client) markDisposed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}
	c.disposed = true
	close(c.done)
}

func (c *Client) send(msg interface{}) error {
	if c.stdin == nil {
		return ErrNotSpawned
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	_, err = c.stdin.Write(data)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	c.logger.Debug("codex: sent message", zap.String("data", string(data)))
	return nil
}

func (c *Client) sendResponse(id interface{}, result interface{}, respErr *Error) {
	var resultJSON json.RawMessage
	if result != nil && respErr == nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			respErr = &Error{Code: InternalError, Message: fmt.Sprintf("failed to marshal result: %v", err)}
		}
	}
	if err := c.send(&Response{ID: id, Result: resultJSON, Error: respErr}); err != nil {
		c.logger.Warn("failed to send response", zap.Any("id", id), zap.Error(err))
	}
}

func (c *Client) readLoop(stdout io.Reader) {
	defer close(c.stdoutDone)

	scanner := bufio.NewScanner(stdout)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg struct {
			ID     interface{}     `json:"id"`
			Method string          `json:"method"`
			Result json.RawMessage `json:"result"`
			Error  *Error          `json:"error"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Warn("failed to parse message", zap.Error(err))
			continue
		}

		hasID := msg.ID != nil
		hasMethod := msg.Method != ""
		hasResult := msg.Result != nil
		hasError := msg.Error != nil

		if hasID && !hasMethod && (hasResult || hasError) {
			c.handleResponse(&Response{ID: msg.ID, Result: msg.Result, Error: msg.Error})
		} else if hasID && hasMethod {
			c.handleRequest(msg.ID, msg.Method, msg.Params)
		} else if hasMethod && !hasID {
			c.handleNotification(msg.Method, msg.Params)
		}
	}

	if err := scanner.Err(); err != nil {
		c.logger.Warn("stdout read loop ended", zap.Error(err))
	}
}

func (c *Client) stderrLoop(stderr io.Reader) {
	defer close(c.stderrDone)

	scanner := bufio.NewScanner(stderr)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()

		c.mu.Lock()
		c.stderrRing = append(c.stderrRing, line)
		if len(c.stderrRing) > stderrRingSize {
			c.stderrRing = c.stderrRing[1:]
		}
		c.mu.Unlock()

		c.logger.Debug("codex stderr", zap.String("line", line))
		if c.onStderr != nil {
			c.onStderr(line)
		}
	}
}

// monitorExit reaps the child. It waits for both stdio loops first so the
// pipes are fully drained before Wait closes them.
func (c *Client) monitorExit() {
	<-c.stdoutDone
	<-c.stderrDone

	err := c.cmd.Wait()

	status := ExitStatus{Code: -1}
	if state := c.cmd.ProcessState; state != nil {
		status.Code = state.ExitCode()
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			status.Signal = ws.Signal().String()
		}
	}

	close(c.exited)
	c.markDisposed()

	if err != nil && status.Code != 0 {
		c.logger.Warn("codex process exited",
			zap.String("status", status.String()),
			zap.Error(err))
	} else {
		c.logger.Info("codex process exited", zap.String("status", status.String()))
	}

	c.exitOnce.Do(func() {
		if c.onExit != nil {
			c.onExit(status)
		}
	})
}

func (c *Client) handleResponse(resp *Response) {
	id, ok := normalizeID(resp.ID)
	if !ok {
		c.logger.Warn("received response with non-numeric id", zap.Any("id", resp.ID))
		return
	}
	c.mu.Lock()
	ch, found := c.pending[id]
	c.mu.Unlock()
	if found {
		ch <- resp
	} else {
		c.logger.Warn("received response for unknown request", zap.Any("id", resp.ID))
	}
}

// normalizeID maps wire ids back to the int64 keys used for pending calls.
// encoding/json decodes numbers as float64.
func normalizeID(id interface{}) (int64, bool) {
	switch v := id.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, true
		}
	}
	return 0, false
}

func (c *Client) handleNotification(method string, params json.RawMessage) {
	if c.onNotification != nil {
		c.onNotification(method, params)
	}
}

func (c *Client) handleRequest(id interface{}, method string, params json.RawMessage) {
	if c.onRequest == nil {
		c.logger.Warn("received request but no handler registered", zap.String("method", method))
		c.sendResponse(id, nil, &Error{Code: MethodNotFound, Message: "Method not found"})
		return
	}

	result, err := c.onRequest(method, params)
	if err != nil {
		var rpcErr *Error
		if errors.As(err, &rpcErr) {
			c.sendResponse(id, nil, rpcErr)
			return
		}
		c.sendResponse(id, nil, &Error{Code: HandlerError, Message: err.Error()})
		return
	}
	c.sendResponse(id, result, nil)
}
