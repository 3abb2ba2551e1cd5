// Package bridge runs an opaque compute engine behind a message protocol:
// it loads resources into engine memory, drives the engine lifecycle, and
// executes ordered command sessions by polling the engine's thread status.
//
// All lifecycle state is owned by one loop goroutine. A session runs on its
// own goroutine and reports back to the loop; resource fetches do the same.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/openfroyo/enginebridge/pkg/bridge/protocol"
	"github.com/openfroyo/enginebridge/pkg/engine"
	"github.com/openfroyo/enginebridge/pkg/telemetry"
)

// ErrClosed is returned by Submit after the bridge loop has exited.
var ErrClosed = errors.New("bridge closed")

// EventWriter receives the events the bridge emits. It must be safe for
// concurrent use; protocol.Encoder is.
type EventWriter interface {
	EncodeMessage(msg protocol.Message) error
}

// Options configures a Bridge.
type Options struct {
	// Binder loads the engine and binds its entry points. Required.
	Binder engine.Binder

	// Loader fetches precache resources. Defaults to DefaultLoaderConfig.
	Loader *ResourceLoader

	// Poll controls status polling. Defaults to DefaultPollConfig.
	Poll PollConfig

	// Telemetry defaults to NopTelemetry.
	Telemetry *telemetry.Telemetry

	// Engine and Version are reported in the ready event.
	Engine  string
	Version string
}

// Bridge routes controller requests to the engine and emits events back.
type Bridge struct {
	opts   Options
	out    EventWriter
	tel    *telemetry.Telemetry
	logger *telemetry.Logger

	requests chan protocol.Message
	bound    chan bindResult
	fetched  chan fetchResult
	done     chan struct{}

	// Owned by the loop goroutine.
	lifecycle *Lifecycle
	active    *activeSession
	tasks     sync.WaitGroup
}

type bindResult struct {
	adapter engine.Adapter
	err     error
}

type fetchResult struct {
	name string
	url  string
	data []byte
	err  error
	op   *telemetry.Operation
}

type activeSession struct {
	session *Session
	cancel  context.CancelFunc
	done    chan SessionResult
}

// New creates a bridge that writes events to out. Call Run to start it.
func New(opts Options, out EventWriter) *Bridge {
	if opts.Loader == nil {
		opts.Loader = NewResourceLoader(DefaultLoaderConfig())
	}
	if opts.Poll == (PollConfig{}) {
		opts.Poll = DefaultPollConfig()
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.NopTelemetry()
	}

	return &Bridge{
		opts:      opts,
		out:       out,
		tel:       opts.Telemetry,
		logger:    opts.Telemetry.Logger.NewComponentLogger("bridge"),
		requests:  make(chan protocol.Message),
		bound:     make(chan bindResult, 1),
		fetched:   make(chan fetchResult),
		done:      make(chan struct{}),
		lifecycle: NewLifecycle(),
	}
}

// Submit hands a request to the loop. It blocks until the loop accepts it,
// ctx is done, or the bridge has exited.
func (b *Bridge) Submit(ctx context.Context, msg protocol.Message) error {
	select {
	case b.requests <- msg:
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when Run has returned.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Run binds the engine and serves requests until ctx is cancelled. On exit
// it cancels any session, releases the engine, and waits for its goroutines.
func (b *Bridge) Run(ctx context.Context) error {
	defer close(b.done)

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	b.setState(engine.StateUninitialized)
	b.tasks.Add(1)
	go func() {
		defer b.tasks.Done()
		if b.opts.Binder == nil {
			b.bound <- bindResult{err: engine.NewInitializationError("no engine binder configured", nil)}
			return
		}
		a, err := b.opts.Binder(loopCtx, b)
		b.bound <- bindResult{adapter: a, err: err}
	}()

	for {
		var sessionDone <-chan SessionResult
		if b.active != nil {
			sessionDone = b.active.done
		}

		select {
		case <-ctx.Done():
			b.shutdown()
			cancel()
			b.tasks.Wait()
			b.drainLate()
			return nil

		case msg := <-b.requests:
			b.dispatch(loopCtx, msg)

		case r := <-b.bound:
			b.handleBound(loopCtx, r)

		case f := <-b.fetched:
			b.handleFetched(loopCtx, f)

		case res := <-sessionDone:
			b.finishSession(res)
		}
	}
}

// drainLate releases an adapter whose binding finished during shutdown.
func (b *Bridge) drainLate() {
	select {
	case r := <-b.bound:
		if c, ok := r.adapter.(engine.Closer); ok && r.err == nil {
			_ = c.Close(context.Background())
		}
	default:
	}
}

func (b *Bridge) dispatch(ctx context.Context, msg protocol.Message) {
	logger := b.logger.WithField("request", string(msg.Type))
	logger.Debug("Request received")

	if !msg.Type.IsRequest() {
		b.tel.Metrics.RecordRequest("unknown")
		b.emitError(engine.NewInvalidRequestError(fmt.Sprintf("unknown message type: %q", msg.Type), nil))
		return
	}

	b.tel.Metrics.RecordRequest(string(msg.Type))
	op := b.tel.StartRequest(ctx, string(msg.Type))
	var err error
	switch msg.Type {
	case protocol.MessageTypePrecache:
		err = b.handlePrecache(op, msg)
	case protocol.MessageTypeInit:
		err = b.handleInit(op.Ctx, msg)
	case protocol.MessageTypeRun:
		err = b.handleRun(op.Ctx, msg)
	case protocol.MessageTypeStop:
		err = b.handleStop(op.Ctx)
	case protocol.MessageTypeDestroy:
		err = b.handleDestroy(op.Ctx)
	}
	if msg.Type != protocol.MessageTypePrecache || err != nil {
		op.End(err)
	}
	if err != nil {
		logger.WithError(err).Debug("Request rejected")
		b.emitError(err)
	}
}

func (b *Bridge) handleBound(ctx context.Context, r bindResult) {
	if b.lifecycle.State() == engine.StateDestroyed {
		// Destroyed while binding; the module is never used.
		if c, ok := r.adapter.(engine.Closer); ok && r.err == nil {
			_ = c.Close(ctx)
		}
		return
	}

	if r.err != nil {
		b.lifecycle.BindFailed(r.err)
		b.logger.WithError(r.err).Error("Engine module failed to load")
		b.emitError(r.err)
		b.emit(protocol.MessageTypeInitFailed, &protocol.TextEvent{Text: r.err.Error()})
		return
	}

	if err := b.lifecycle.Bind(r.adapter); err != nil {
		b.emitError(err)
		return
	}
	b.setState(engine.StateReady)
	b.logger.Info("Engine module bound")
	b.emit(protocol.MessageTypeReady, &protocol.ReadyEvent{
		Version: b.opts.Version,
		Engine:  b.opts.Engine,
		PID:     os.Getpid(),
	})
}

func (b *Bridge) handlePrecache(op *telemetry.Operation, msg protocol.Message) error {
	if err := b.lifecycle.CheckReady(); err != nil {
		return err
	}
	var req protocol.PrecacheRequest
	if err := msg.ParseData(&req); err != nil {
		return engine.NewInvalidRequestError("invalid precache request", err)
	}
	if err := req.Validate(); err != nil {
		return engine.NewInvalidRequestError("invalid precache request", err)
	}

	name := req.ResourceName()
	op.Span.SetAttributes(telemetry.AttrResourceName.String(name), telemetry.AttrResourceURL.String(req.URL))

	b.tasks.Add(1)
	go func() {
		defer b.tasks.Done()
		fetchCtx, span := b.tel.Tracer.StartPrecacheSpan(op.Ctx, name, req.URL)
		data, err := b.opts.Loader.Fetch(fetchCtx, name, req.URL)
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			span.SetAttributes(telemetry.AttrResourceSize.Int(len(data)))
			telemetry.RecordSuccess(span)
		}
		span.End()

		select {
		case b.fetched <- fetchResult{name: name, url: req.URL, data: data, err: err, op: op}:
		case <-op.Ctx.Done():
			op.End(op.Ctx.Err())
		}
	}()
	return nil
}

func (b *Bridge) handleFetched(ctx context.Context, f fetchResult) {
	err := f.err
	if err == nil {
		err = b.lifecycle.CheckReady()
	}
	if err == nil {
		err = b.opts.Loader.Install(ctx, b.lifecycle.Adapter(), f.name, f.data)
	}
	f.op.End(err)

	if err != nil {
		b.tel.Metrics.RecordPrecache("failed", 0)
		_ = b.tel.Events.PublishResourceFailed(f.name, f.url, err.Error())
		f.op.Logger.WithError(err).Warn("Precache failed")
		b.emitError(err)
		return
	}

	b.tel.Metrics.RecordPrecache("ok", len(f.data))
	_ = b.tel.Events.PublishResourcePrecached(f.name, f.url, len(f.data))
	f.op.Logger.Infof("Precached %s (%d bytes)", f.name, len(f.data))
	b.emit(protocol.MessageTypePrecacheComplete, &protocol.PrecacheCompleteEvent{Name: f.name, Bytes: len(f.data)})
}

func (b *Bridge) handleInit(ctx context.Context, msg protocol.Message) error {
	if err := b.lifecycle.CheckReady(); err != nil {
		return err
	}
	var req protocol.InitRequest
	if err := msg.ParseData(&req); err != nil {
		return engine.NewInvalidRequestError("invalid init request", err)
	}

	if err := b.lifecycle.Init(ctx, req.DataPath); err != nil {
		if engine.IsKind(err, engine.KindInvalidRequest) {
			return err
		}
		_ = b.tel.Events.PublishEngineInitFailed(initCode(err))
		b.emit(protocol.MessageTypeInitFailed, &protocol.TextEvent{Text: err.Error()})
		return err
	}

	b.setState(engine.StateInitialized)
	_ = b.tel.Events.PublishEngineInitialized(req.DataPath)
	b.logger.Infof("Engine initialized with data path %q", req.DataPath)
	b.emit(protocol.MessageTypeInitComplete, nil)
	return nil
}

func initCode(err error) int {
	var e *engine.Error
	if errors.As(err, &e) {
		return e.Code
	}
	return -1
}

func (b *Bridge) handleRun(ctx context.Context, msg protocol.Message) error {
	if err := b.lifecycle.CheckInitialized(); err != nil {
		return err
	}
	if b.active != nil {
		return engine.ErrBusy
	}
	var req protocol.RunRequest
	if err := msg.ParseData(&req); err != nil {
		return engine.NewInvalidRequestError("invalid run request", err)
	}
	if err := req.Validate(); err != nil {
		return engine.NewInvalidRequestError("invalid run request", err)
	}

	id := uuid.New().String()
	s := NewSession(id, req.Commands, b.lifecycle.Adapter(), b.opts.Poll, b.tel, b.emit)
	sctx, cancel := context.WithCancel(ctx)
	active := &activeSession{session: s, cancel: cancel, done: make(chan SessionResult, 1)}
	b.active = active

	b.tel.Metrics.RecordSessionStarted()
	_ = b.tel.Events.PublishSessionStarted(id, req.Commands)
	b.logger.WithSession(id).Infof("Session started with %d commands", len(req.Commands))

	b.tasks.Add(1)
	go func() {
		defer b.tasks.Done()
		active.done <- s.Run(sctx)
	}()
	return nil
}

// finishSession clears the active session before reporting it, so a
// controller reacting to complete can start the next run at once.
func (b *Bridge) finishSession(res SessionResult) {
	s := b.active.session
	b.active.cancel()
	b.active = nil
	b.reportSession(s, res)
}

func (b *Bridge) reportSession(s *Session, res SessionResult) {
	logger := b.logger.WithSession(s.ID)
	b.tel.Metrics.RecordSessionCompleted(string(res.Outcome), res.Duration)

	switch res.Outcome {
	case engine.SessionCompleted:
		_ = b.tel.Events.PublishSessionCompleted(s.ID, res.Duration)
		logger.Infof("Session completed in %s", res.Duration)
		b.emit(protocol.MessageTypeComplete, &protocol.SessionEvent{SessionID: s.ID, Commands: res.Executed})
	case engine.SessionFailed:
		_ = b.tel.Events.PublishSessionFailed(s.ID, res.Err.Error(), res.Duration)
		logger.WithError(res.Err).Warn("Session aborted")
		b.emitError(res.Err)
	case engine.SessionCancelled:
		_ = b.tel.Events.PublishSessionCancelled(s.ID, res.Duration)
		logger.Info("Session cancelled")
	}
}

func (b *Bridge) handleStop(ctx context.Context) error {
	if err := b.lifecycle.CheckReady(); err != nil {
		return err
	}
	if b.active == nil || !b.active.session.Running() {
		b.logger.Info("Stop requested with no session running")
		return nil
	}

	s := b.active.session
	b.logger.WithSession(s.ID).Infof("Stopping command %d", s.Cursor())
	err := b.lifecycle.Adapter().Stop(ctx)
	b.emit(protocol.MessageTypeStopped, &protocol.SessionEvent{SessionID: s.ID})
	if err != nil {
		return fmt.Errorf("engine stop failed: %w", err)
	}
	return nil
}

func (b *Bridge) handleDestroy(ctx context.Context) error {
	if b.lifecycle.State() == engine.StateDestroyed {
		b.emit(protocol.MessageTypeDestroyed, nil)
		return nil
	}

	b.cancelSession(ctx)
	_, err := b.lifecycle.Destroy(ctx)
	b.setState(engine.StateDestroyed)
	_ = b.tel.Events.PublishEngineDestroyed()
	b.logger.Info("Engine destroyed")
	b.emit(protocol.MessageTypeDestroyed, nil)
	return err
}

// cancelSession cancels the active session, interrupts its command, and
// waits for the session goroutine to return.
func (b *Bridge) cancelSession(ctx context.Context) {
	if b.active == nil {
		return
	}
	active := b.active
	b.active = nil

	active.cancel()
	if err := b.lifecycle.Adapter().Stop(ctx); err != nil {
		b.logger.WithError(err).Warn("Engine stop failed during teardown")
	}
	res := <-active.done
	b.reportSession(active.session, res)
}

// shutdown releases everything when the loop exits without a destroy request.
func (b *Bridge) shutdown() {
	ctx := context.Background()
	b.cancelSession(ctx)
	if changed, err := b.lifecycle.Destroy(ctx); changed {
		b.setState(engine.StateDestroyed)
		if err != nil {
			b.logger.WithError(err).Warn("Engine release failed during shutdown")
		}
	}
}

// EngineLog forwards engine prints as log events.
func (b *Bridge) EngineLog(text string) {
	b.logger.WithField("engine", true).Debug(text)
	b.emit(protocol.MessageTypeLog, &protocol.TextEvent{Text: text})
}

// EngineError forwards engine error prints as error events.
func (b *Bridge) EngineError(text string) {
	b.logger.WithField("engine", true).Warn(text)
	b.emit(protocol.MessageTypeError, &protocol.ErrorEvent{Text: text, Kind: "engine"})
}

func (b *Bridge) emitError(err error) {
	ev := &protocol.ErrorEvent{Text: err.Error()}
	var e *engine.Error
	if errors.As(err, &e) {
		ev.Kind = string(e.Kind)
		ev.Command = e.Command
	}
	b.emit(protocol.MessageTypeError, ev)
}

// emit is called from the loop, the session goroutine, and engine print hooks.
func (b *Bridge) emit(msgType protocol.MessageType, data interface{}) {
	msg, err := protocol.NewMessage(msgType, data)
	if err != nil {
		b.logger.WithError(err).Error("Failed to build event")
		return
	}
	if err := b.out.EncodeMessage(msg); err != nil {
		b.logger.WithError(err).Warn("Failed to write event")
		return
	}
	b.tel.Metrics.RecordEvent(string(msgType))
}

func (b *Bridge) setState(state engine.LifecycleState) {
	b.tel.Metrics.SetLifecycleState(state.Ordinal())
}

var _ engine.LogSink = (*Bridge)(nil)

