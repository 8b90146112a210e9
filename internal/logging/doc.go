// Package logging provides structured logging with OpenTelemetry integration.
//
// Logger wraps Zap with:
//   - Custom Trace level (-2, below Debug) for prompt and raw output dumps
//   - Dual output (stdout and the OpenTelemetry log bridge)
//   - Context field injection (trace_id, execution.kind, execution.id, task.id, session.key)
//   - Key and pattern based redaction at the encoder
//   - Sampling below error level
//
// Engines tag their loop context once and every line inherits it:
//
//	ctx = logging.WithExecution(ctx, "goal", g.ID)
//	logger.Info(ctx, "iteration finished", zap.Int("iteration", n))
//
// produces
//
//	{"level":"info","msg":"iteration finished","execution.kind":"goal","execution.id":"...","iteration":3}
//
// Leaf components that accept a *zap.Logger get Logger.Underlying().
//
// Use TestLogger in tests:
//
//	tl := logging.NewTestLogger()
//	tl.AssertLogged(t, zapcore.WarnLevel, "notification failed")
package logging
