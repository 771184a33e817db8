// Package postgres implements the queue, dead-letter, result and executor
// registry stores on PostgreSQL, together with connection setup and the
// embedded goose migrations.
//
// Every store accepts a store.DBTX so it can run on a pool or inside a
// caller's transaction.
package postgres
