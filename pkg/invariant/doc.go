/*
Package invariant evaluates task invariants against provider state.

The invariant set is a closed tagged union: resource_exists,
attribute_equals, firewall_allows, binding_grants and collection_contains,
each with its own parameter schema decoded by kind tag. Evaluate walks the
declared order without short-circuiting, converts matcher panics into a
failed invariant with reason "exception", and aggregates the fail-closed
score: pass requires every invariant to pass and at least one to exist.

Evaluation is pure; the state document is read-only and no matcher performs
I/O, so a (workspace, spec) pair always reproduces the same score.
*/
package invariant
