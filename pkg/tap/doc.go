/*
Package tap manages the pool of pre-created TAP devices.

The host network provisioner creates the devices; Discover only enumerates
them by prefix and refuses to build a pool smaller than the worker count.
Checkout is exclusive and release is guarded so a device can never be handed
to two jobs, even when overlapping teardown paths release twice.
*/
package tap
