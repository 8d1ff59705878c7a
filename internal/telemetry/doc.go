// Package telemetry provides OpenTelemetry instrumentation for flowd.
//
// Traces and metrics are exported over OTLP (gRPC by default, or
// http/protobuf). The orchestrator records one span per execution, group and
// step:
//
//	workflow.execute
//	└── workflow.group
//	    └── workflow.step
//
// Telemetry failures never stop the engine. If a provider cannot be built
// the instance is marked degraded and callers get no-op tracers and meters.
//
// # Testing
//
//	tt := telemetry.NewTestTelemetry()
//	orch := orchestrator.New(..., orchestrator.WithTracer(tt.Tracer("test")))
//	...
//	tt.AssertSpanExists(t, "workflow.execute")
package telemetry
