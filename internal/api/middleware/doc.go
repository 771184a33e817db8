// Package middleware provides the HTTP middleware shared by every route:
// request context propagation and administrative JWT authentication.
package middleware
