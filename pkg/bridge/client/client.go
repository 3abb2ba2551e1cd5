// Package client drives an engine bridge from the controller side: it starts
// a worker over a Transport, waits for it to become ready, and wraps each
// request in a blocking call that returns when the bridge answers.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/openfroyo/enginebridge/pkg/bridge/protocol"
	"github.com/openfroyo/enginebridge/pkg/engine"
	"github.com/openfroyo/enginebridge/pkg/telemetry"
)

var (
	// ErrClosed is returned after Close or once the worker's event stream ends.
	ErrClosed = errors.New("client is closed")

	// ErrSessionCancelled is returned by Run when the engine was destroyed mid-session.
	ErrSessionCancelled = errors.New("session cancelled by destroy")
)

// Transport starts a worker and exposes its request and event streams.
type Transport interface {
	// Open starts the worker. Requests are written to stdin, events read from stdout.
	Open(ctx context.Context) (stdin io.WriteCloser, stdout io.ReadCloser, err error)
	// Close waits for the worker to exit after its request stream was closed.
	Close(ctx context.Context) error
}

// RemoteError is an error event reported by the bridge.
type RemoteError struct {
	Kind    engine.ErrorKind
	Text    string
	Command string
	// InitFailed is set when the bridge also reported init_failed.
	InitFailed bool
}

func (e *RemoteError) Error() string {
	return e.Text
}

// Config contains client configuration options.
type Config struct {
	Transport      Transport
	StartupTimeout time.Duration
	Logger         *telemetry.Logger

	// OnMessage, when set, sees every event in arrival order, including
	// engine log lines that no call waits for.
	OnMessage func(msg protocol.Message)
}

// Client talks to one bridge worker. Precache, Init and Run must not be
// called concurrently with each other; Stop and Destroy may be called while
// Run is waiting.
type Client struct {
	config  Config
	logger  *telemetry.Logger
	encoder *protocol.Encoder
	stdin   io.WriteCloser

	mu      sync.Mutex
	waiters map[*waiter]struct{}
	ready   *protocol.ReadyEvent
	closed  bool

	readDone chan struct{}
	readErr  error
}

type waiter struct {
	accept func(protocol.Message) bool
	ch     chan protocol.Message
	done   chan struct{}
}

// NewClient creates a client. Call Start before sending requests.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NopLogger()
	}
	return &Client{
		config:   cfg,
		logger:   cfg.Logger.NewComponentLogger("client"),
		waiters:  make(map[*waiter]struct{}),
		readDone: make(chan struct{}),
	}, nil
}

// Start opens the transport and waits for the ready event. A bridge whose
// engine fails to load answers with an error instead, which Start returns.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	stdin, stdout, err := c.config.Transport.Open(ctx)
	if err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}
	c.stdin = stdin
	c.encoder = protocol.NewEncoder(stdin)

	w := c.register(func(m protocol.Message) bool {
		return m.Type == protocol.MessageTypeReady || m.Type == protocol.MessageTypeError
	})
	defer c.unregister(w)

	go c.readEvents(protocol.NewDecoder(stdout))

	readyCtx, cancel := context.WithTimeout(ctx, c.config.StartupTimeout)
	defer cancel()

	msg, err := c.next(readyCtx, w)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("timeout waiting for ready event")
		}
		return fmt.Errorf("failed to receive ready event: %w", err)
	}
	if msg.Type == protocol.MessageTypeError {
		return remoteError(msg)
	}

	var ready protocol.ReadyEvent
	if err := msg.ParseData(&ready); err != nil {
		return err
	}
	c.mu.Lock()
	c.ready = &ready
	c.mu.Unlock()
	c.logger.WithField("engine", ready.Engine).Debugf("Worker ready (pid %d)", ready.PID)
	return nil
}

// Ready returns the ready event received during startup.
func (c *Client) Ready() *protocol.ReadyEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Precache loads the resource at url into the engine under name and returns its size.
func (c *Client) Precache(ctx context.Context, name, url string) (int, error) {
	w := c.register(func(m protocol.Message) bool {
		return m.Type == protocol.MessageTypePrecacheComplete || isRequestError(m)
	})
	defer c.unregister(w)

	if err := c.send(protocol.MessageTypePrecache, &protocol.PrecacheRequest{Name: name, URL: url}); err != nil {
		return 0, err
	}
	for {
		msg, err := c.next(ctx, w)
		if err != nil {
			return 0, err
		}
		if msg.Type == protocol.MessageTypeError {
			return 0, remoteError(msg)
		}
		var ev protocol.PrecacheCompleteEvent
		if err := msg.ParseData(&ev); err != nil {
			return 0, err
		}
		if ev.Name == name {
			return ev.Bytes, nil
		}
	}
}

// Init creates the engine instance.
func (c *Client) Init(ctx context.Context, dataPath string) error {
	w := c.register(func(m protocol.Message) bool {
		switch m.Type {
		case protocol.MessageTypeInitComplete, protocol.MessageTypeInitFailed:
			return true
		}
		return isRequestError(m)
	})
	defer c.unregister(w)

	if err := c.send(protocol.MessageTypeInit, &protocol.InitRequest{DataPath: dataPath}); err != nil {
		return err
	}
	failed := false
	for {
		msg, err := c.next(ctx, w)
		if err != nil {
			return err
		}
		switch msg.Type {
		case protocol.MessageTypeInitComplete:
			return nil
		case protocol.MessageTypeInitFailed:
			// The matching error event follows.
			failed = true
		case protocol.MessageTypeError:
			rerr := remoteError(msg)
			rerr.InitFailed = failed
			return rerr
		}
	}
}

// RunResult is what a session produced.
type RunResult struct {
	SessionID string
	Outputs   []string
	Executed  int
	Stopped   bool
}

// Run executes commands as one session and collects their output. When a
// command fails, the outputs of the commands before it are returned along
// with the error.
func (c *Client) Run(ctx context.Context, commands []string) (*RunResult, error) {
	w := c.register(func(m protocol.Message) bool {
		switch m.Type {
		case protocol.MessageTypeOutput, protocol.MessageTypeStopped,
			protocol.MessageTypeComplete, protocol.MessageTypeDestroyed:
			return true
		}
		return isRequestError(m)
	})
	defer c.unregister(w)

	if commands == nil {
		commands = []string{}
	}
	if err := c.send(protocol.MessageTypeRun, &protocol.RunRequest{Commands: commands}); err != nil {
		return nil, err
	}

	res := &RunResult{}
	for {
		msg, err := c.next(ctx, w)
		if err != nil {
			return res, err
		}
		switch msg.Type {
		case protocol.MessageTypeOutput:
			res.Outputs = append(res.Outputs, msg.Text())
		case protocol.MessageTypeStopped:
			res.Stopped = true
		case protocol.MessageTypeComplete:
			var ev protocol.SessionEvent
			if err := msg.ParseData(&ev); err != nil {
				return res, err
			}
			res.SessionID = ev.SessionID
			res.Executed = ev.Commands
			return res, nil
		case protocol.MessageTypeDestroyed:
			return res, ErrSessionCancelled
		case protocol.MessageTypeError:
			return res, remoteError(msg)
		}
	}
}

// Stop asks the running command to end. It does not wait: a stop with no
// session running produces no event.
func (c *Client) Stop(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.send(protocol.MessageTypeStop, nil)
}

// Destroy tears the engine instance down and waits for the acknowledgement.
func (c *Client) Destroy(ctx context.Context) error {
	w := c.register(func(m protocol.Message) bool {
		return m.Type == protocol.MessageTypeDestroyed
	})
	defer c.unregister(w)

	if err := c.send(protocol.MessageTypeDestroy, nil); err != nil {
		return err
	}
	_, err := c.next(ctx, w)
	return err
}

// Close ends the request stream, waits for the worker to drain its events,
// and releases the transport. The worker destroys the engine on its way out.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.stdin == nil {
		return nil
	}

	var errs []error
	if err := c.stdin.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close request stream: %w", err))
	}
	select {
	case <-c.readDone:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("worker did not close its event stream: %w", ctx.Err()))
	}
	if err := c.config.Transport.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop worker: %w", err))
	}
	return errors.Join(errs...)
}

func (c *Client) send(msgType protocol.MessageType, data interface{}) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed || c.encoder == nil {
		return ErrClosed
	}
	if err := c.encoder.Encode(msgType, data); err != nil {
		return fmt.Errorf("failed to send %s: %w", msgType, err)
	}
	return nil
}

func (c *Client) register(accept func(protocol.Message) bool) *waiter {
	w := &waiter{accept: accept, ch: make(chan protocol.Message), done: make(chan struct{})}
	c.mu.Lock()
	c.waiters[w] = struct{}{}
	c.mu.Unlock()
	return w
}

func (c *Client) unregister(w *waiter) {
	c.mu.Lock()
	delete(c.waiters, w)
	c.mu.Unlock()
	close(w.done)
}

func (c *Client) next(ctx context.Context, w *waiter) (protocol.Message, error) {
	select {
	case msg := <-w.ch:
		return msg, nil
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	case <-c.readDone:
		// A message may have been handed over just before the stream ended.
		select {
		case msg := <-w.ch:
			return msg, nil
		default:
		}
		if c.readErr != nil {
			return protocol.Message{}, fmt.Errorf("%w: %v", ErrClosed, c.readErr)
		}
		return protocol.Message{}, ErrClosed
	}
}

// readEvents routes every event to the waiters that accept it.
func (c *Client) readEvents(dec *protocol.Decoder) {
	defer close(c.readDone)
	for {
		msg, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			return
		}
		var syntaxErr *protocol.SyntaxError
		if errors.As(err, &syntaxErr) {
			c.logger.WithError(err).Warn("Skipping malformed event")
			continue
		}
		if err != nil {
			c.readErr = err
			return
		}

		if c.config.OnMessage != nil {
			c.config.OnMessage(*msg)
		}
		switch {
		case msg.Type == protocol.MessageTypeLog:
			c.logger.WithField("engine", true).Debug(msg.Text())
			continue
		case isEngineError(*msg):
			c.logger.WithField("engine", true).Warn(msg.Text())
			continue
		}

		c.mu.Lock()
		targets := make([]*waiter, 0, len(c.waiters))
		for w := range c.waiters {
			if w.accept(*msg) {
				targets = append(targets, w)
			}
		}
		c.mu.Unlock()

		if len(targets) == 0 {
			c.logger.WithField("event", string(msg.Type)).Debug("Event with no waiter")
		}
		for _, w := range targets {
			select {
			case w.ch <- *msg:
			case <-w.done:
			}
		}
	}
}

func remoteError(msg protocol.Message) *RemoteError {
	var ev protocol.ErrorEvent
	_ = msg.ParseData(&ev)
	return &RemoteError{Kind: engine.ErrorKind(ev.Kind), Text: ev.Text, Command: ev.Command}
}

// isEngineError reports error text printed by the engine itself. It answers no request.
func isEngineError(msg protocol.Message) bool {
	if msg.Type != protocol.MessageTypeError {
		return false
	}
	var ev protocol.ErrorEvent
	return msg.ParseData(&ev) == nil && ev.Kind == "engine"
}

func isRequestError(msg protocol.Message) bool {
	return msg.Type == protocol.MessageTypeError && !isEngineError(msg)
}
