package storage

import (
	"context"
	"errors"

	"github.com/niaga-platform/service-doudian/internal/domain/doudian"
)

// ErrMissingCallback is returned when a required callback is nil.
var ErrMissingCallback = errors.New("store, get and delete callbacks are required")

// CallbackFuncs are the caller supplied operations behind a CallbackStore.
// List and Exists are optional.
type CallbackFuncs struct {
	Store  func(ctx context.Context, key doudian.TokenKey, rec *doudian.TokenRecord) error
	Get    func(ctx context.Context, key doudian.TokenKey) (*doudian.TokenRecord, error)
	Delete func(ctx context.Context, key doudian.TokenKey) (bool, error)
	List   func(ctx context.Context, profile string) (map[string]doudian.ShopSummary, error)
	Exists func(ctx context.Context, key doudian.TokenKey) (bool, error)
}

// CallbackStore adapts arbitrary storage to TokenStore.
type CallbackStore struct {
	fns CallbackFuncs
}

// NewCallbackStore validates fns and returns the adapter.
func NewCallbackStore(fns CallbackFuncs) (*CallbackStore, error) {
	if fns.Store == nil || fns.Get == nil || fns.Delete == nil {
		return nil, ErrMissingCallback
	}
	return &CallbackStore{fns: fns}, nil
}

func (c *CallbackStore) Store(ctx context.Context, key doudian.TokenKey, rec *doudian.TokenRecord) error {
	if rec == nil {
		return ErrNilRecord
	}
	if err := validateKey(key); err != nil {
		return err
	}
	key.Profile = normalizeProfile(key.Profile)
	return c.fns.Store(ctx, key, rec)
}

func (c *CallbackStore) Get(ctx context.Context, key doudian.TokenKey) (*doudian.TokenRecord, error) {
	key.Profile = normalizeProfile(key.Profile)
	return c.fns.Get(ctx, key)
}

func (c *CallbackStore) Delete(ctx context.Context, key doudian.TokenKey) (bool, error) {
	key.Profile = normalizeProfile(key.Profile)
	return c.fns.Delete(ctx, key)
}

// List returns an empty map when no List callback was supplied.
func (c *CallbackStore) List(ctx context.Context, profile string) (map[string]doudian.ShopSummary, error) {
	if c.fns.List == nil {
		return map[string]doudian.ShopSummary{}, nil
	}
	return c.fns.List(ctx, normalizeProfile(profile))
}

// Exists falls back to Get when no Exists callback was supplied.
func (c *CallbackStore) Exists(ctx context.Context, key doudian.TokenKey) (bool, error) {
	key.Profile = normalizeProfile(key.Profile)
	if c.fns.Exists != nil {
		return c.fns.Exists(ctx, key)
	}
	rec, err := c.fns.Get(ctx, key)
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}
