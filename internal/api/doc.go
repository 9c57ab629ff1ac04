// Package api serves the persistence host's admin HTTP endpoints.
//
// Routes:
//
//	GET /healthz          database (and MQTT, when connected) health, 200 or 503
//	GET /metrics          prometheus exposition of the persistence metrics
//	GET /api/v1/kinds     entity kinds registered with the handler registry
//	GET /api/v1/status    version, uptime, runtime and connection pool figures
//	GET /api/v1/changes   recorded change log, filtered by query parameters
//
//	GET /api/v1/objects/{kind}        ids of every stored entity of kind
//	GET /api/v1/objects/{kind}/{id}   reference of one entity, 404 when absent
//
// The server follows the same lifecycle as the infrastructure clients:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api
