// Package store provides the key-value persistence capability used for the
// site list, the installation client id, and the authentication key pair.
// Implementations are injected; nothing above this package knows which
// driver is in use.
package store

import (
	"context"
	"errors"
)

// Storage keys. The values are JSON blobs except the client id, which is a
// bare hex string.
const (
	KeySites       = "forumwatch.sites"
	KeyClientID    = "forumwatch.client-id"
	KeyKeyPair     = "forumwatch.keys"
	KeyLastRefresh = "forumwatch.last-refresh"
)

// ErrNotFound is returned by Get when the key has never been written.
var ErrNotFound = errors.New("store: key not found")

// KV is the minimal persistence surface the tracker core relies on.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close(ctx context.Context) error
}
