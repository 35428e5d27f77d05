/*
Package log provides structured operator logging for the engine.

The package keeps one zerolog root logger, rebuilt by Init from the CLI
flags, and derives domain-scoped children from it: WithComponent for
subsystems, WithWorker for pool workers, and ForJob/ForTask carrying the
job identity fields (job and task ids, queue sequence, TAP device). Job
execution logs are separate append-only files written through the redaction
layer; nothing in this package ever receives guest or tool output.
*/
package log
