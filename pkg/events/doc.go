/*
Package events provides job lifecycle event distribution.

A Broker fans events out to subscribers over buffered channels, dropping to
slow consumers rather than blocking the publisher. The worker pool publishes
queue and terminal transitions; subscribers are observers only.
*/
package events
