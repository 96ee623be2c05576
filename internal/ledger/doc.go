// Package ledger records one row per relayed agent turn in SQLite.
//
// A turn is inserted when the relay starts it and updated once the streamed
// message reaches its final state. The ledger is append-mostly and only
// read by the turns command and tests.
package ledger
