// Package postgres implements the task and ledger stores on PostgreSQL
// through database/sql and the pgx driver. Schema migrations are embedded
// and applied with goose.
package postgres
