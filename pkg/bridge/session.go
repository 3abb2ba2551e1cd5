package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/enginebridge/pkg/bridge/protocol"
	"github.com/openfroyo/enginebridge/pkg/engine"
	"github.com/openfroyo/enginebridge/pkg/telemetry"
)

// PollConfig controls thread status polling.
type PollConfig struct {
	// Grace is the wait between starting a command and the first status read.
	Grace time.Duration `yaml:"grace" validate:"gte=0"`

	// RetryInterval is the wait after an Uninitialized or invalid status.
	RetryInterval time.Duration `yaml:"retry_interval" validate:"gt=0"`

	// Interval is the wait after a Started status.
	Interval time.Duration `yaml:"interval" validate:"gt=0"`
}

// DefaultPollConfig returns the default polling intervals.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		Grace:         50 * time.Millisecond,
		RetryInterval: 50 * time.Millisecond,
		Interval:      100 * time.Millisecond,
	}
}

// PollResult describes how a command's poll loop ended.
type PollResult struct {
	Status    engine.ThreadStatus
	Polls     int
	Transient int
}

// PollLoop waits for the current command's thread to reach a terminal status.
type PollLoop struct {
	Adapter engine.Adapter
	Config  PollConfig
	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
}

// Wait sleeps the grace period, then reads the thread status until it is
// Finished or UserInterrupt. Sleeps end early when ctx is cancelled; status
// reads use a context that outlives ctx so a cancelled session never aborts
// an engine call half way.
func (p *PollLoop) Wait(ctx context.Context) (PollResult, error) {
	var res PollResult
	engineCtx := context.WithoutCancel(ctx)

	if err := sleep(ctx, p.Config.Grace); err != nil {
		return res, err
	}

	for {
		status, err := p.Adapter.ThreadStatus(engineCtx)
		if err != nil {
			return res, fmt.Errorf("thread status read failed: %w", err)
		}
		res.Polls++
		res.Status = status

		wait := p.Config.Interval
		if verr := status.Validate(); verr != nil {
			res.Transient++
			p.Metrics.RecordStatusPoll(false)
			p.Logger.WithError(verr).Warn("Ignoring invalid thread status")
			wait = p.Config.RetryInterval
		} else {
			p.Metrics.RecordStatusPoll(true)
			switch {
			case status.IsTerminal():
				return res, nil
			case status == engine.ThreadStatusUninitialized:
				wait = p.Config.RetryInterval
			}
		}

		if err := sleep(ctx, wait); err != nil {
			return res, err
		}
	}
}

// emitFunc sends one event to the controller.
type emitFunc func(msgType protocol.MessageType, data interface{})

// SessionResult is the outcome of a finished session.
type SessionResult struct {
	Outcome  engine.SessionOutcome
	Err      error
	Executed int
	Duration time.Duration
}

// Session executes one ordered batch of commands, strictly one at a time.
type Session struct {
	ID       string
	Commands []string

	adapter engine.Adapter
	poll    PollConfig
	emit    emitFunc
	tel     *telemetry.Telemetry
	logger  *telemetry.Logger

	cursor  atomic.Int64
	running atomic.Bool
}

// NewSession creates a session over an initialized engine.
func NewSession(id string, commands []string, a engine.Adapter, poll PollConfig, tel *telemetry.Telemetry, emit emitFunc) *Session {
	s := &Session{
		ID:       id,
		Commands: commands,
		adapter:  a,
		poll:     poll,
		emit:     emit,
		tel:      tel,
		logger:   tel.Logger.NewComponentLogger("session").WithSession(id),
	}
	s.running.Store(true)
	return s
}

// Cursor returns the index of the command being executed.
func (s *Session) Cursor() int {
	return int(s.cursor.Load())
}

// Running reports whether the session has not finished yet. A new session counts as running.
func (s *Session) Running() bool {
	return s.running.Load()
}

// Run executes the commands. The first command reporting error text aborts
// the rest. Cancelling ctx abandons the session between engine calls.
func (s *Session) Run(ctx context.Context) SessionResult {
	defer s.running.Store(false)

	timer := telemetry.NewTimer()
	ctx, span := s.tel.Tracer.StartSessionSpan(ctx, s.ID, len(s.Commands))
	defer span.End()

	res := SessionResult{Outcome: engine.SessionCompleted}
	for i, cmd := range s.Commands {
		if ctx.Err() != nil {
			res.Outcome = engine.SessionCancelled
			break
		}
		s.cursor.Store(int64(i))

		err := s.runCommand(ctx, i, cmd)
		res.Executed++
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				res.Outcome = engine.SessionCancelled
			} else {
				res.Outcome = engine.SessionFailed
				res.Err = err
			}
			break
		}
	}

	res.Duration = timer.Duration()
	if res.Err != nil {
		telemetry.RecordError(span, res.Err)
	} else {
		telemetry.RecordSuccess(span)
	}
	return res
}

func (s *Session) runCommand(ctx context.Context, index int, cmd string) error {
	logger := s.logger.WithCommand(index, cmd)
	ctx, span := s.tel.Tracer.StartCommandSpan(ctx, index, cmd)
	defer span.End()

	timer := telemetry.NewTimer()
	engineCtx := context.WithoutCancel(ctx)

	if err := s.adapter.RunAsync(engineCtx, cmd); err != nil {
		cerr := engine.NewCommandError(index, cmd, err.Error())
		s.finishCommand(span, index, cmd, "rejected", "", cerr.Error(), timer, cerr)
		return cerr
	}
	logger.Debug("Command started")

	loop := &PollLoop{
		Adapter: s.adapter,
		Config:  s.poll,
		Logger:  logger,
		Metrics: s.tel.Metrics,
	}
	res, err := loop.Wait(ctx)
	span.SetAttributes(
		telemetry.AttrStatusPolls.Int(res.Polls),
		telemetry.AttrThreadStatus.String(res.Status.String()),
	)
	if err != nil {
		if ctx.Err() != nil {
			logger.Debug("Command abandoned")
			return ctx.Err()
		}
		cerr := engine.NewCommandError(index, cmd, err.Error())
		s.finishCommand(span, index, cmd, "status_failed", "", cerr.Error(), timer, cerr)
		return cerr
	}

	// Both getters are drained exactly once whatever the first one returned.
	output, _, outErr := s.adapter.Output(engineCtx)
	errText, _, errErr := s.adapter.Error(engineCtx)
	if drainErr := errors.Join(outErr, errErr); drainErr != nil {
		cerr := engine.NewCommandError(index, cmd, drainErr.Error())
		s.finishCommand(span, index, cmd, res.Status.String(), "", cerr.Error(), timer, cerr)
		return cerr
	}

	if text := strings.TrimSpace(errText); text != "" {
		if strings.TrimSpace(output) != "" {
			logger.WithField("output", output).Debug("Dropping output of failed command")
		}
		cerr := engine.NewCommandError(index, cmd, text)
		s.finishCommand(span, index, cmd, res.Status.String(), "", text, timer, cerr)
		return cerr
	}

	if strings.TrimSpace(output) != "" {
		s.emit(protocol.MessageTypeOutput, &protocol.TextEvent{Text: output})
	}
	s.finishCommand(span, index, cmd, res.Status.String(), output, "", timer, nil)
	logger.Debugf("Command finished after %d status reads", res.Polls)
	return nil
}

func (s *Session) finishCommand(span trace.Span, index int, cmd, status, output, errText string, timer *telemetry.Timer, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "failed"
		telemetry.RecordError(span, err)
	} else {
		telemetry.RecordSuccess(span)
	}
	s.tel.Metrics.RecordCommand(outcome, timer.Duration())
	_ = s.tel.Events.PublishCommandFinished(s.ID, index, cmd, status, output, errText, timer.Duration())
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
