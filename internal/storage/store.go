// Package storage persists shop token records. Every backend is keyed by
// client profile and shop id so one process can hold tokens for several
// registered applications.
package storage

import (
	"context"
	"errors"

	"github.com/niaga-platform/service-doudian/internal/domain/doudian"
)

// ErrNilRecord is returned when Store is called without a record.
var ErrNilRecord = errors.New("token record cannot be nil")

// ErrEmptyShopID is returned for keys without a shop id.
var ErrEmptyShopID = errors.New("shop id cannot be empty")

// TokenStore is the persistence boundary for token records.
//
// Get returns (nil, nil) for absent or unreadable records. List never
// exposes tokens, only summaries keyed by shop id.
type TokenStore interface {
	Store(ctx context.Context, key doudian.TokenKey, rec *doudian.TokenRecord) error
	Get(ctx context.Context, key doudian.TokenKey) (*doudian.TokenRecord, error)
	Delete(ctx context.Context, key doudian.TokenKey) (bool, error)
	List(ctx context.Context, profile string) (map[string]doudian.ShopSummary, error)
	Exists(ctx context.Context, key doudian.TokenKey) (bool, error)
}

// StatsReporter is implemented by stores that can summarize a profile.
type StatsReporter interface {
	Stats(ctx context.Context, profile string) (*StoreStats, error)
}

func validateKey(key doudian.TokenKey) error {
	if key.ShopID == "" {
		return ErrEmptyShopID
	}
	return nil
}

func normalizeProfile(profile string) string {
	if profile == "" {
		return doudian.DefaultProfile
	}
	return profile
}
