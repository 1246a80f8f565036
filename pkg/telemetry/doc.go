// Package telemetry wires logging, metrics, tracing and the change-event
// journal around the convergence engine.
//
// # Logging
//
// NewLogger builds the process zerolog.Logger from LoggingConfig. Child
// loggers carry a component, resource or transaction:
//
//	logger, closer, err := telemetry.NewLogger(cfg.Logging)
//	defer closer.Close()
//	catalogLog := telemetry.ComponentLogger(logger, "catalog")
//
// # Metrics
//
// Metrics implements engine.Observer. Pass it to a group with
// engine.WithObserver and serve it with Serve:
//
//	m := telemetry.NewMetrics(cfg.Metrics)
//	root := engine.NewGroup("main", engine.WithObserver(m))
//	_ = m.Serve(ctx, logger)
//
// Collected series, under the configured namespace:
//
//	events_total{kind}
//	resource_syncs_total{type,status}
//	sync_duration_seconds{type}
//	drift_detections_total{type}
//	errors_total{class}
//	transactions_total{group,status}
//	last_transaction_members{group}
//
// # Tracing
//
// NewTracer installs the global OpenTelemetry provider the engine starts its
// transaction and sync spans on. Exporters: none, stdout, otlp (gRPC).
// Tracer.Subscriber adds one span event per changed resource.
//
// # Event Journal
//
// Journal publishes one Event per change event kind. Journal.Subscriber
// plugs it into a transaction; JSONLines writes the events to a file.
package telemetry
