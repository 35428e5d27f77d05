/*
Package config loads and validates the engine configuration.

Configuration is YAML over code defaults: Load reads the optional config file
on top of Default and applies cross-field validation. Derived path helpers
centralize the persisted layout (submissions/, logs/, jobs/, the bbolt
index) under the data root.
*/
package config
