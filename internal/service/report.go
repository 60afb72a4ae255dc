package service

import (
	"context"

	"github.com/briangreenhill/offlinecache/cache"
	"github.com/briangreenhill/offlinecache/internal/lifecycle"
	"github.com/briangreenhill/offlinecache/internal/syncqueue"
)

// StoreInfo names a store and its entry count
type StoreInfo struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
}

// Report is a point-in-time view of the caches and the sync queue
type Report struct {
	Active             *lifecycle.Generation `json:"active,omitempty"`
	Waiting            *lifecycle.Generation `json:"waiting,omitempty"`
	Stores             []StoreInfo           `json:"stores"`
	Stats              cache.Stats           `json:"stats"`
	RevalidateFailures uint64                `json:"revalidate_failures"`
	PendingSync        []string              `json:"pending_sync"`
}

// Report collects the current state. Unreadable sync entries are skipped.
func (s *CacheService) Report(ctx context.Context) Report {
	r := Report{
		Stores:             []StoreInfo{},
		Stats:              s.opts.Registry.Stats(),
		RevalidateFailures: s.opts.Executor.RevalidateFailures(),
		PendingSync:        []string{},
	}
	if gen, ok := s.opts.Lifecycle.Active(); ok {
		r.Active = &gen
	}
	if gen, ok := s.opts.Lifecycle.Waiting(); ok {
		r.Waiting = &gen
	}

	for _, name := range s.opts.Registry.ListStores() {
		// deleted since ListStores
		store, ok := s.opts.Registry.Lookup(name)
		if !ok {
			continue
		}
		r.Stores = append(r.Stores, StoreInfo{Name: name, Entries: store.Len()})
	}

	for _, tag := range s.opts.Sync.Tags() {
		if _, ok, err := s.opts.Sync.Pending(ctx, tag); err == nil && ok {
			r.PendingSync = append(r.PendingSync, tag)
		}
	}
	return r
}

// Pending returns the queued task for tag
func (s *CacheService) Pending(ctx context.Context, tag string) (*syncqueue.Task, bool, error) {
	return s.opts.Sync.Pending(ctx, tag)
}
