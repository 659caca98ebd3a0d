// Package memory provides an in-memory implementation of the storage interfaces.
//
// Store implements CodeStore, TokenStore and ApprovalStore on maps guarded by a
// single sync.RWMutex. Authorization code redemption and refresh token
// consumption take the write lock for the whole check-and-set, so concurrent
// callers presenting the same value see exactly one success.
//
// Raw codes and refresh tokens are never used as map keys; records are keyed
// by storage.HashToken. A background goroutine sweeps expired entries; call
// Stop to end it.
//
// It is suitable for development, tests and single-instance deployments. Use
// storage/valkey when several server replicas share state.
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, err := server.New(provider, registry, store, store, store, chain, cfg, logger)
package memory
