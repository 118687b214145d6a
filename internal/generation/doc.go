// Package generation defines the boundary between the task orchestrator and
// the external generation providers (Ark image/video, Gemini chat).
//
// An Adapter either resolves a request synchronously or returns an external
// task id that is later resolved by polling or by a provider-pushed callback.
// The orchestrator knows nothing about provider payloads beyond this contract;
// provider-specific shapes live in the platform packages.
package generation
