// Admission control gates evaluated before any work is scheduled: a per-session sliding-window rate limiter, and a backpressure guard which refuses work when the pending queue is deeper than a configured ceiling.
//
// Neither gate ever blocks. A refusal is returned immediately as a *moderation.AdmissionError, so the caller can tell the client right away.
package admission
