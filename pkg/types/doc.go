/*
Package types defines the shared data model of the validation engine.

The central type is Job, the record of one validation run from submission to
terminal state, together with TaskSpec (the immutable invariant-carrying
document), Result (the fail-closed outcome) and the status enumerations. All
packages exchange these types; none of them carries behavior beyond trivial
accessors, keeping the dependency graph acyclic.
*/
package types
