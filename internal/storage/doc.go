// Package storage is the optional persistence layer: post history for every
// successful publish and best-effort dedup state that survives a restart.
package storage
