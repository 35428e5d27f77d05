/*
Package sandbox runs one job inside a jailed microVM.

The runner builds a per-job chroot with the pinned kernel and a copy of the
rootfs, creates the four per-job ext4 volumes (workspace ro, scratch rw,
results rw, validator ro) in the ordinal order the guest expects, injects
the access token as the only credential channel, and boots firecracker
through the jailer with dropped privileges. Supervision enforces the job
timeout with graceful-then-hard kill escalation while the serial console is
tailed into the job log through the redactor.

Harvest mounts the results volume read-only and fails closed when the result
document is missing or malformed. Teardown of mounts, disks and the chroot
tree runs on every exit path.

The runner refuses to start as uid 0; privileged steps go through a
precisely scoped sudo rule instead.
*/
package sandbox
