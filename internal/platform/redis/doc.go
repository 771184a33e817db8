// Package redis holds the Redis-backed pieces of the safety layer. Rate
// windows kept here are shared by every process pointing at the same server.
package redis
