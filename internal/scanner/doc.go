// Package scanner defines the browser scan engine the pipeline drives and an
// HTTP client for a remote engine. The engine itself (page loading, rule
// evaluation) lives outside this service.
package scanner
