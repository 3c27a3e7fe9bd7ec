// Package dispatch delivers channel directives to presentation
// collaborators (audio cue player, toast and banner surfaces, operator chat).
//
// # Delivery
//
// Dispatch never blocks the caller. Deliveries go through a bounded queue, a
// worker pool and a token bucket; each presenter call is retried with
// jittered exponential backoff. Presenter failures are reported on the event
// bus and in History and never reach the engine.
//
// # History
//
// The service keeps a ring of recent delivery outcomes for the control
// surface.
package dispatch
