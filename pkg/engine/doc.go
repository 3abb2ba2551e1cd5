// Package engine defines the contract between the bridge and a compiled engine module.
//
// # Overview
//
// An engine is a compute module that exposes a small set of entry points: precache a
// named resource, create an instance, run one command asynchronously on its own thread,
// report progress as a coarse status code, and drain the output and error text of the
// last command. The bridge drives these entry points through an Adapter and never
// interprets the command strings itself.
//
// # Adapter
//
// Adapter is the thin binding over the module's exports. A Binder loads the module and
// returns an Adapter; text the engine prints is delivered to a LogSink.
//
//	binder := host.Binder("/opt/engines/magpie.wasm", cfg)
//	adapter, err := binder(ctx, sink)
//	if err != nil {
//	    return engine.NewInitializationError("bind engine", err)
//	}
//
// Optional capabilities are discovered with type assertions: StatusTexter for engines
// that also export a human-readable status, Closer for adapters holding runtime
// resources that outlive the engine instance.
//
// # Status Codes
//
// ThreadStatus mirrors the engine's progress code:
//
//   - 0 Uninitialized: the command has not started yet (a race right after RunAsync)
//   - 1 Started: the command is executing
//   - 2 UserInterrupt: the command ended after a stop request
//   - 3 Finished: the command ran to completion
//
// Any other value is invalid and is retried like Uninitialized. UserInterrupt and
// Finished are both terminal.
//
// # Lifecycle
//
// LifecycleState tracks the bridge's view of the engine instance:
//
//	uninitialized -> ready -> initialized -> destroyed
//
// Destroyed is terminal. SessionOutcome records where a command session stands
// (running, completed, failed, cancelled).
//
// # Errors
//
// All failures surfaced by the bridge are *Error values carrying an ErrorKind:
//
//	if engine.IsKind(err, engine.KindCommand) {
//	    var e *engine.Error
//	    errors.As(err, &e)
//	    log.Printf("command %d (%s) failed: %s", e.Index, e.Command, e.Message)
//	}
//
// Package fake provides a scripted in-process Adapter used by tests and the sim engine kind.
package engine
