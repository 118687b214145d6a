// Package api exposes the HTTP surface of the service: owner endpoints for
// submitting, inspecting and cancelling generation tasks, the balance and
// action endpoints, queue and cache statistics, and the provider callback
// receiver. Handlers translate HTTP concerns into scheduler, ledger and
// interpreter calls and map their errors to safe responses.
package api
