// Package keys centralizes persistence key construction.
// It is kept in internal to avoid leaking key formats to public API.
package keys

const prefix = "mediaq:"

// Tasks is the key under which the whole task map is persisted.
func Tasks(ns string) string { return prefix + "{" + ns + "}:tasks" }

// Credential is the key holding the bearer token for the own backend.
func Credential(ns string) string { return prefix + "{" + ns + "}:credential" }

// Store holds the precomputed keys for a namespace.
type Store struct {
	Tasks      string
	Credential string
}

// For returns the keys for the provided namespace. An empty namespace maps to "default".
func For(ns string) Store {
	if ns == "" {
		ns = "default"
	}
	return Store{Tasks: Tasks(ns), Credential: Credential(ns)}
}
