// Package resilience protects calls to downstream dependencies (expert
// executions, classifiers, data APIs) so that their failures degrade the
// answer instead of failing the request.
//
// # Health Registry
//
// HealthRegistry keeps one ServiceHealth per dependency name: consecutive
// failures, a rolling error rate, a smoothed latency and the circuit breaker
// state. The circuit opens after FailureThreshold consecutive failures or
// once the error rate reaches ErrorRateThreshold, and lets a single trial call
// through once ResetTimeout has elapsed. Callers admitted by IsHealthy must
// report back with RecordOutcome; an unreported trial is given up after
// another ResetTimeout.
//
//	registry := resilience.NewHealthRegistry(resilience.DefaultHealthConfig())
//	if registry.IsHealthy("market_data") {
//		// call it, then
//		registry.RecordOutcome("market_data", err == nil, latency)
//	}
//
// # Executor
//
// Executor combines the registry with a response cache, capped exponential
// backoff, an adaptive per-attempt timeout and fallback templates keyed by
// (dependency, scenario).
//
//	exec := resilience.NewExecutor(resilience.DefaultExecutorConfig(), registry, cache, templates)
//	result, err := exec.Execute(ctx, resilience.Call{
//		Dependency: "news_interpreter",
//		Payload:    payload,
//		Invoke: func(ctx context.Context) (*resilience.Response, error) {
//			return client.Call(ctx, payload)
//		},
//	})
//
// err is non-nil only for a malformed Call. Every downstream failure ends in a
// Result with Fallback set and Reason naming the scenario.
//
// # Alerts
//
// AlertManager fans circuit transitions out to AlertHandlers, rate limited
// per source. Wrap the registry hook to get one alert per transition:
//
//	alerts := resilience.NewAlertManager(0, 0)
//	alerts.AddHandler(resilience.NewLoggingAlertHandler(logger))
//	cfg.OnStateChange = alerts.CircuitAlerts(nil)
//
// All types are safe for concurrent use. Health entries are locked per
// dependency so unrelated dependencies never contend.
package resilience
