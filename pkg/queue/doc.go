/*
Package queue implements the bounded worker pool.

A fixed number of workers drain a FIFO queue of bounded capacity; admission
is refused outright when the queue is full, and submissions are refused
not-ready while the credential manager holds no token. Each worker owns one
TAP device per running job, enforces exactly-once return on every exit path,
and survives runner panics by failing the job and continuing.

Cancellation is O(1) for queued jobs; for running jobs it cancels the job
context and the sandbox runner escalates from graceful shutdown to a hard
kill.
*/
package queue
