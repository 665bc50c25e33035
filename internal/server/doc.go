// Package server hosts the Fiber HTTP service that intercepts application
// requests: the request-id middleware, the Host → origin registry, and the
// router constructor that hands every non-diagnostic request to a
// ProxyHandler. Diagnostic and control routes live under /-/ and are
// registered by the routes subpackage through AppOptions.Admin.
package server
