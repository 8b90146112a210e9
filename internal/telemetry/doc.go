// Package telemetry sets up OpenTelemetry tracing and metrics for overseer.
//
// Traces and metrics are exported over OTLP, gRPC by default or HTTP when
// observability.otlp_protocol is "http". The turn executor opens one span
// per isolated turn:
//
//	tel, err := telemetry.New(ctx, telemetry.FromObservability(cfg.Observability, version))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
//	exec, err := executor.NewCommandExecutor(cfg.Executor,
//	    executor.WithTracer(tel.Tracer("overseer.executor")))
//
// An exporter that cannot be built leaves the instance degraded rather than
// failing startup; Health lists what went wrong. Tests use NewTestTelemetry.
package telemetry
