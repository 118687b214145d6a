// Package ledger implements the token ledger that pays for generation tasks.
//
// Every billable dispatch attempt reserves its cost under a unique reference
// before the provider is called. The reservation is later either committed
// (the attempt produced a billable result) or refunded, never both. Reserve,
// Commit and Refund are idempotent on the reference, so the scheduler and the
// reconciler can both settle the same attempt safely.
package ledger
