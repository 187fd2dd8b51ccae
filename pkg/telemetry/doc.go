// Package telemetry provides logging, tracing, metrics and event publishing
// for the reconciliation daemon.
//
// Logging uses zerolog. Engine components take a zerolog.Logger directly,
// built from the configured Logger:
//
//	logger := tel.Logger.Zerolog()
//	zerolog.SetGlobalLevel(telemetry.ParseLevel(os.Getenv("LOG_LEVEL")))
//
// StartOperation tags the context logger with the operation name and, when
// tracing is on, the trace and span IDs.
//
// Tracing uses OpenTelemetry with OTLP/gRPC or stdout exporters. Each cycle has
// a root span, one child span per phase and one span per fix attempt.
//
// Metrics are Prometheus collectors on a private registry, served by Handler:
//
//	autoinfra_cycles_started_total{trigger}
//	autoinfra_cycles_completed_total{status}
//	autoinfra_cycle_duration_seconds{status}
//	autoinfra_coalesced_triggers_total
//	autoinfra_cycle_state{state}
//	autoinfra_drift_issues_detected_total{resource_type,severity,strategy}
//	autoinfra_fixes_applied_total{strategy}
//	autoinfra_fixes_failed_total{reason}
//	autoinfra_fixes_deferred_total{reason}
//	autoinfra_errors_by_class_total{class}
//
// Events (cycle.started, drift.detected, fix.failed, ...) are delivered to
// subscribers, asynchronously when EventsConfig.EnableAsync is set.
//
// A nil *Metrics, *Tracer or *EventPublisher is a valid no-op, so tests and
// one-shot commands can leave them out.
package telemetry
