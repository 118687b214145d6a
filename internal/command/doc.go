// Package command turns inbound user actions into scheduler and ledger
// operations.
//
// Every action has a stable ActionID. Actions that need a follow-up input,
// such as choosing "generate.image" and then sending the prompt, keep their
// state in the session store so the next free-text message can be
// interpreted. When the session is gone the user is asked to restate what
// they want.
package command
