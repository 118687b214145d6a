// Package cache provides the result cache used by the task scheduler.
//
// Results are stored under a fingerprint derived from the task kind,
// provider, model and normalized prompt. Entries expire after a per-kind
// TTL; expired entries are removed lazily on read and by a periodic sweep.
// The cache is best-effort: backend failures are logged and reported as a
// miss so they never block task admission.
package cache
