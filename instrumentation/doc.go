// Package instrumentation provides OpenTelemetry metrics and traces for the
// authorization server.
//
// Metrics can be exported in Prometheus format and traces over OTLP/HTTP:
//
//	inst, err := instrumentation.New(ctx, instrumentation.Config{
//		Enabled:         true,
//		ServiceName:     "oauth-authserver",
//		MetricsExporter: instrumentation.ExporterPrometheus,
//		TracesExporter:  instrumentation.ExporterOTLP,
//		OTLPEndpoint:    "otel-collector:4318",
//	})
//	if err != nil {
//		return err
//	}
//	defer inst.Shutdown(context.Background())
//
//	mux.Handle("/metrics", inst.MetricsHandler())
//
// # Available Metrics
//
// HTTP Layer:
//   - oauth.http.requests.total{method, endpoint, status}
//   - oauth.http.request.duration{endpoint}
//
// Grants:
//   - oauth.grant.issued{grant_type, client_id}
//   - oauth.grant.rejected{grant_type, state, error}
//   - oauth.authorize.results{response_type, result}
//   - oauth.token.revoked{client_id, token_type}
//   - oauth.token.introspections{active}
//
// Security:
//   - oauth.rate_limit.exceeded{limiter_type}
//   - oauth.pkce.validation_failed{method}
//   - oauth.code.reuse_detected
//   - oauth.token.reuse_detected
//   - oauth.audit.events.total{event_type}
//
// Storage:
//   - storage.operation.total{operation, result}
//   - storage.operation.duration{operation}
//   - storage.authorization_codes.count, storage.refresh_tokens.count,
//     storage.access_tokens.count, storage.approvals.count
//
// Provider:
//   - provider.authentications.total{provider, result}
//   - provider.authentication.duration{provider}
//
// When Enabled is false all providers are no-ops.
//
// Never record raw tokens, codes or secrets as span attributes; the Attr*
// constants are for metadata only.
package instrumentation
