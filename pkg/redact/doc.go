/*
Package redact scrubs credential material from logs.

A Redactor holds the set of live secrets (registered by the credential
manager as tokens are minted) and replaces them in strings and byte streams.
The Writer wrapper carries a holdback buffer so secrets split across Write
calls are still caught; every job log is written through it.
*/
package redact
