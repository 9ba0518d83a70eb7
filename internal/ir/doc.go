// Package ir holds the core types shared by every briefsync package: entity
// ids, the closed entity variant, property values, canonical JSON, content
// hashes and the error taxonomy.
//
// ir imports nothing internal. Times are never stored; ordering comes from
// changeset indexes and per-element version counters.
package ir
