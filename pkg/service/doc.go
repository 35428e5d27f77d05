/*
Package service exposes the engine's HTTP surface.

POST /validate is blocking-with-queueing: the handler ingests the archive,
admits the job and suspends until the job is terminal, with 429/503 refusals
for capacity and readiness. Lookup endpoints serve job records with bounded
log tails, the per-task submission index, health and prometheus metrics.

Ingestion failures are synchronous and never create a Job; everything after
admission terminates as a Job with a fail-closed result.
*/
package service
