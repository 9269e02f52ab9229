// Package metrics provides the observability hooks of the build
// orchestrator.
//
// Components receive a Recorder and default to NoopRecorder, so metrics can
// be switched on without nil checks at call sites:
//
//	orch := orchestrator.New(bundler, bus, platforms, orchestrator.WithRecorder(metrics.NewPrometheusRecorder(reg)))
//
// PrometheusRecorder registers its collectors on the registry it is given;
// HTTPHandler exposes that registry for scraping.
package metrics
