/*
Package metrics defines the engine's Prometheus collectors.

Collectors are package-level vars registered in init and served by Handler
at /metrics: job counts and durations, queue depth, worker idleness, sandbox
setup and teardown, ingestion rejections by reason, token refreshes and API
request counters. Timer is a small helper for observing durations.
*/
package metrics
