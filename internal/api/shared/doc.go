// Package shared holds the JSON request and response helpers used by every
// HTTP handler and middleware.
package shared
