// Package retry executes fallible operations with bounded exponential
// backoff.
//
// Call sites pass an explicit Operation value and an immutable Policy; the
// executor sleeps min(BaseSleep*2^(k-1), MaxSleep) between attempts and
// propagates the final error unchanged. It is safe only for operations that
// are idempotent by construction, which holds for every network call in this
// pipeline: manifest fetches, artifact downloads, exclusive store writes and
// update submissions.
package retry
