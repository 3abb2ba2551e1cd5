// Package telemetry provides observability for the engine bridge.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry),
// Prometheus metrics, and an ordered lifecycle event publisher.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	go tel.Metrics.Serve(ctx)
//
// # Logging
//
// A worker speaks the bridge protocol on stdout, so loggers default to stderr:
//
//	logger := tel.Logger.NewComponentLogger("session")
//	logger.WithSession(id).WithCommand(0, "go static").Debug("polling")
//
// # Events
//
// Subscribers are called from a single goroutine in publish order. The
// session journal relies on that ordering:
//
//	tel.Events.Subscribe(journal.Record, nil)
//	tel.Events.Subscribe(notify, telemetry.FilterByType(telemetry.EventTypeSessionFailed))
//
// # Metrics
//
// Metrics are exported on their own registry at MetricsConfig.Path, with a
// /healthz check alongside. A disabled Metrics accepts every Record call and
// drops it.
package telemetry
