/*
Package execx runs host-side commands as typed, named stages.

Every sandbox setup and teardown step (mkfs, mount, jailer spawn, umount)
goes through Run so a failure carries the stage name, the captured stderr
and a bounded runtime. RunAll chains stages and stops at the first failure.
*/
package execx
