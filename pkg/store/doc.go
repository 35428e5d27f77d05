/*
Package store persists job records and the task index.

Jobs live in memory for a bounded TTL; terminal records are additionally
written as jobs/<id>.json via staging-and-rename and summarized into a bbolt
index keyed by task id. Lookup falls back to the persisted record after the
TTL, so operators can inspect old jobs for as long as the files are rotated.
*/
package store
