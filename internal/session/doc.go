// Package session stores the short-lived conversational context of each
// owner. A session expires after a period of inactivity; an expired read
// behaves as if no session exists and removes the stale entry.
package session
