// Package domain contains the core business entities of the generation
// service: tasks and their state machine, ledger entries, and conversational
// sessions. It is independent of any specific storage or delivery mechanism.
package domain
