// Package api exposes the scan queue, dead-letter store, health report and
// executor registry over HTTP. Handlers translate requests into calls on the
// internal services and map their errors to status codes without leaking
// internal details.
package api
