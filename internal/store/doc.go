// Package store holds what every persistence implementation shares: the
// DBTX abstraction over *sql.DB and *sql.Tx, the transaction helper, and the
// sentinel errors that callers match with errors.Is. The store interfaces
// themselves live next to their consumers (queue, deadletter, attest,
// pipeline).
package store
