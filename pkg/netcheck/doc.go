/*
Package netcheck is the guest-side egress policy probe suite.

The probes run in a fixed order and must all pass: direct egress is dropped,
the gateway resolver answers for allowlisted domains and sinkholes others,
the proxy forwards allowlisted hosts and refuses the rest, and the cloud
metadata endpoint is unreachable. The first failure aborts the run with the
probe's name so the result names exactly which policy leg is broken.
*/
package netcheck
