package engine

import "context"

// Adapter is the thin binding over the engine's exported entry points.
// Every owned string or buffer handed across the boundary is released by the adapter
// exactly once, on every exit path. Implementations must tolerate calls from the bridge's
// dispatch goroutine and its session task at the same time.
type Adapter interface {
	// Precache copies data into an engine-owned buffer registered under name.
	// The transfer buffer is freed before Precache returns, whatever the outcome.
	Precache(ctx context.Context, name string, data []byte) error

	// Init creates the engine instance. A zero result means success.
	Init(ctx context.Context, dataPath string) (int, error)

	// RunAsync starts cmd on the engine's own thread and returns without waiting for it.
	RunAsync(ctx context.Context, cmd string) error

	// Output drains the output text of the last command. ok is false when the engine returned null.
	Output(ctx context.Context) (text string, ok bool, err error)

	// Error drains the error text of the last command. ok is false when the engine returned null.
	Error(ctx context.Context) (text string, ok bool, err error)

	// ThreadStatus reads the raw status code of the current command.
	// Values outside 0..3 are passed through unchanged for the caller to classify.
	ThreadStatus(ctx context.Context) (ThreadStatus, error)

	// Stop asks the running command to end. Cooperative: the command reaches
	// UserInterrupt at its next checkpoint.
	Stop(ctx context.Context) error

	// Destroy tears down the engine instance.
	Destroy(ctx context.Context) error
}

// StatusTexter is implemented by adapters whose engine also exposes a human-readable status string.
type StatusTexter interface {
	StatusText(ctx context.Context) (string, bool, error)
}

// Closer releases module resources (runtime, memory) after the engine instance is gone.
type Closer interface {
	Close(ctx context.Context) error
}

// Binder loads and binds an engine module. It is called once by the bridge when it starts;
// a failure is reported as an initialization error and disables the module. Text the engine
// prints is delivered to sink.
type Binder func(ctx context.Context, sink LogSink) (Adapter, error)

// LogSink receives text the engine prints on its standard output and error streams.
type LogSink interface {
	EngineLog(text string)
	EngineError(text string)
}
