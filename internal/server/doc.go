// Package server hosts the Fiber HTTP service that fronts the cache
// coordinator: the request-id and recovery middleware chain, the catch-all
// route that hands page traffic to the fetch handler, and the shared upstream
// http.Client used to reach the origin and the bypass hosts. Control and
// diagnostics routes live under /-/ and are registered by the routes package.
package server
