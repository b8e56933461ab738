// Package cachestore keeps named response stores keyed by request identity,
// modelled on a browser's Cache Storage.
package cachestore

import (
	"context"
	"errors"
)

// ErrClosed is returned by backends after Close.
var ErrClosed = errors.New("cachestore: closed")

// Storage is the process-wide set of named stores.
type Storage interface {
	// Open returns the named store, creating it when absent.
	Open(ctx context.Context, name string) (Store, error)
	Has(ctx context.Context, name string) (bool, error)
	// Names lists stores in creation order.
	Names(ctx context.Context) ([]string, error)
	// Delete drops a store with all its entries. It reports whether the
	// store existed.
	Delete(ctx context.Context, name string) (bool, error)
	// Match looks key up in every store in creation order and returns the
	// first hit.
	Match(ctx context.Context, key string) (Entry, bool, error)
	Close() error
}

// Store is a single named key -> response mapping.
type Store interface {
	Name() string
	Put(ctx context.Context, key string, ent Entry) error
	Match(ctx context.Context, key string) (Entry, bool, error)
	Delete(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
}
