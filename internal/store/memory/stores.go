package memory

import "cohortvault/internal/store"

// NewStores returns the full in-memory store bundle.
func NewStores() store.Stores {
	return store.Stores{
		Files:      NewFileStore(),
		Runs:       NewRunStore(),
		Identities: NewIdentityStore(),
		PHI:        NewPHIStore(),
	}
}
