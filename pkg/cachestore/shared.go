package cachestore

import "sync"

var (
	shared     Store
	sharedOnce sync.Once
)

// Shared returns the process-wide store instance used by the services.
//
// In production deployments the store is a networked cache shared by all
// workers; within a single process the MemStore stands in for it. Services
// receive the store through their constructors. Shared is only called from
// service initialization, never from request paths, so tests can construct
// services against their own stores.
func Shared() Store {
	sharedOnce.Do(func() {
		shared = NewMemStore()
	})
	return shared
}
