// Package logger provides structured logging functionality for the application.
//
// It utilizes Go's standard library log/slog package to implement structured JSON logging
// with configurable log levels. Records logged with a context carry the request_id,
// user_id, tenant_id and route of the request context attached to it.
package logger
