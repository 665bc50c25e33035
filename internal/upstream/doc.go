// Package upstream owns every outbound network call: the shared http.Client
// and its transport tuning, hop-by-hop header filtering, and the Fetcher that
// turns a cache.Request into a fully buffered cache.Response snapshot.
// Both the resolution engine and the lifecycle controller go through this
// package so timeouts and header hygiene stay in one place.
package upstream
