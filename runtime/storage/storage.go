// Package storage declares the semantics contract backing stores advertise
// so components that require strict runtime-state guarantees can refuse
// weaker backends at construction time instead of corrupting state at
// runtime.
package storage

import "fmt"

// Semantics classifies the consistency guarantees of a backing store.
type Semantics string

const (
	// SemanticsStrict guarantees atomic per-operation read-modify-write
	// behavior suitable for runtime state machines.
	SemanticsStrict Semantics = "strict"
	// SemanticsKV marks eventually-consistent key-value backends whose
	// critical-section primitives are passthroughs.
	SemanticsKV Semantics = "kv"
	// SemanticsUnknown marks adapters that did not declare semantics.
	SemanticsUnknown Semantics = "unknown"
)

// Tagged is implemented by stores that declare their semantics. Stores
// that do not implement it are treated as SemanticsUnknown.
type Tagged interface {
	Semantics() Semantics
}

// SemanticsOf reports the declared semantics of a store.
func SemanticsOf(store any) Semantics {
	if t, ok := store.(Tagged); ok {
		return t.Semantics()
	}
	return SemanticsUnknown
}

// AssertStrict fails unless the store declares strict semantics. name
// labels the store in the error.
func AssertStrict(name string, store any) error {
	if sem := SemanticsOf(store); sem != SemanticsStrict {
		return fmt.Errorf("storage: %s store declares %q semantics, strict required", name, sem)
	}
	return nil
}
