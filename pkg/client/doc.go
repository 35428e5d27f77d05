/*
Package client wraps the engine's HTTP API for CLI and programmatic usage.

The client mirrors the server's JSON types and maps error responses to Go
errors carrying the server's message. Submit inherits the server's blocking
semantics, so its timeout tracks the engine's maximum job timeout.
*/
package client
