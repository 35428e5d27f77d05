/*
Package guest is the in-VM runner, executed as pid 1.

It prepares pseudo-filesystem mounts and tmpfs trees, brings up networking
(DHCP against the bridge gateway or static from the kernel cmdline, IPv6
off, DNS pinned to the gateway), optionally runs the egress probe suite,
assembles the workspace/scratch overlay and runs the IaC tool and the
evaluator under separate unprivileged uids. The result document reaches the
results volume via write-to-temp-and-rename, followed by sync and unmount,
before the VM powers itself off.

The contract with the host is positional: volumes are identified by block
device ordinal and feature flags arrive as acore_* cmdline keys. There is
no in-band control channel.
*/
package guest
