// Package gemini provides a generation.Adapter for chat tasks backed by
// Google's Gemini API.
//
// This package is an infrastructure adapter in the hexagonal architecture,
// connecting the scheduler to Google's external Gemini service. Chat
// completions are returned immediately from Start; the adapter never hands
// out external task ids, so Poll is unsupported.
//
// Errors are translated into the generation package's taxonomy: safety
// blocks become ErrContentBlocked, malformed replies ErrInvalidResponse,
// rate limits and server errors ErrTransientFailure. Retries are left to
// the scheduler.
package gemini
