package bridge

import (
	"context"
	"errors"
	"io"

	"github.com/openfroyo/enginebridge/pkg/bridge/protocol"
	"github.com/openfroyo/enginebridge/pkg/engine"
)

// Serve runs a bridge over a JSON-lines stream: requests are read from r and
// events written to w. It returns when ctx is cancelled or r reaches EOF,
// after the bridge has released the engine.
func Serve(ctx context.Context, opts Options, r io.Reader, w io.Writer) error {
	b := New(opts, protocol.NewEncoder(w))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	runErr := make(chan error, 1)
	go func() {
		runErr <- b.Run(runCtx)
	}()

	readDone := make(chan error, 1)
	go func() {
		readDone <- b.readRequests(runCtx, protocol.NewDecoder(r))
	}()

	select {
	case err := <-readDone:
		cancel()
		return errors.Join(err, <-runErr)
	case err := <-runErr:
		// ctx was cancelled. The reader may stay blocked on r; it exits at the next line or EOF.
		return err
	}
}

func (b *Bridge) readRequests(ctx context.Context, dec *protocol.Decoder) error {
	for {
		msg, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			b.logger.Debug("Request stream closed")
			return nil
		}
		var syntaxErr *protocol.SyntaxError
		if errors.As(err, &syntaxErr) {
			b.logger.WithError(err).Warn("Malformed request line")
			b.emitError(engine.NewInvalidRequestError("malformed message", syntaxErr.Err))
			continue
		}
		if err != nil {
			return err
		}

		if err := b.Submit(ctx, *msg); err != nil {
			if errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}
}
