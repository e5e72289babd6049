// Package store is the durable local storage for the offline
// subsystem: queued actions, settings, and cached responses. Two
// interchangeable backends sit behind one contract, a transactional
// sqlite database and a flat JSON file, selected by a capability
// probe at open time. Callers never branch on backend identity.
package store

import (
	"context"
	"errors"
)

type BackendKind string

const (
	KindSQLite BackendKind = "sqlite"
	KindFile   BackendKind = "file"
	KindMemory BackendKind = "memory"
)

var ErrClosed = errors.New("store closed")

// Backend is the minimal durable key/value capability. Get on a
// missing key returns (nil, false, nil), never an error.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Clear(ctx context.Context, prefix string) error
	Close() error
}

// Key namespaces. Settings and queue entries live under fixed
// prefixes so Clear can be scoped without destroying cached entries.
const (
	SettingsKey = "furrow/settings"
	QueueNS     = "furrow/queue/"
	DeadNS      = "furrow/dead/"
	CacheNS     = "furrow/cache/"
)
