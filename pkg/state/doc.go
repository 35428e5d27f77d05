/*
Package state models the provider state document as an arena.

Parse reads JSON into a flat node arena addressed by integer NodeID, with
object key order preserved so matcher iteration is deterministic. Typed
accessors (Field, Index, Path, String, Number) never panic on wrong kinds;
they return ok=false. The terraform view (Resources, FindResource) projects
resource instances out of a Terraform state file without copying the tree.

The arena representation means matchers hold integer indices, not pointers,
so a pathological or cyclic input cannot produce unbounded traversal.
*/
package state
