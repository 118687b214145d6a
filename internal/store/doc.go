// Package store holds the persistence plumbing shared by the SQL-backed
// task and ledger stores: the DBTX abstraction, transaction helpers and
// the store error vocabulary.
package store
