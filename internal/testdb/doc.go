// Package testdb provides helpers for tests that need a real PostgreSQL.
//
// Tests call GetTestDBWithT, which skips when DATABASE_URL is unset, applies
// the embedded migrations once per process and returns a connection. WithTx
// runs a test body inside a transaction that is always rolled back, so tests
// leave no data behind and can run in parallel.
package testdb
