// Package httpmw provides HTTP middleware shared by the application and ops
// servers.
//
// httpserver.NewHandler composes them outermost first: recover, request ID,
// OTEL tracing, CloseWhenDraining, trace id headers, metrics and the
// request-scoped logger. Inside the chi router it adds span naming, the
// access log and a body limit.
//
// Only server-derived values (method, path, peer address, scheme) reach the
// logs; query strings and headers are never logged.
package httpmw
