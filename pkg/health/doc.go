/*
Package health verifies host preconditions.

Checkers (file, TCP) are aggregated by Preconditions into the startup gate:
bridge present, TAP pool populated, gateway resolver and proxy reachable,
/dev/kvm and the pinned boot artifacts in place. The engine refuses to start
while any precondition is unmet; it never creates these collaborators.
*/
package health
