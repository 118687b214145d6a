// Package task schedules generation tasks and drives them to a terminal state.
//
// A Scheduler accepts submissions into a bounded queue, dispatches them to
// provider adapters with a fixed number of workers, and polls providers that
// answer asynchronously. Completion notices from polling, provider callbacks
// and cancellation all go through the Reconciler, which applies each task's
// outcome exactly once and commits or refunds its ledger reservation.
//
// Work interrupted by a restart is recovered on Start: pending tasks are
// re-queued and processing tasks with an external id resume polling.
package task
