// Package tokenstore keeps the refresh-token and denylist bookkeeping.
//
// Two key families live in the backing store:
//
//	refresh:{userID}  -> the only refresh token honored for that user
//	denylist:{token}  -> marker for a revoked access token
//
// Both carry a TTL derived from the token expiry, so stale entries expire on
// their own and no sweeper is needed.
package tokenstore

import (
	"context"
	"strconv"
	"time"
)

const (
	refreshPrefix = "refresh:"
	denyPrefix    = "denylist:"
	denyMarker    = "1"
)

type Store struct {
	kv KV
}

func New(kv KV) *Store {
	return &Store{kv: kv}
}

func refreshKey(userID uint) string {
	return refreshPrefix + strconv.FormatUint(uint64(userID), 10)
}

func denyKey(token string) string {
	return denyPrefix + token
}

// SaveRefresh overwrites whatever refresh token the user had.
func (s *Store) SaveRefresh(ctx context.Context, userID uint, token string, ttl time.Duration) error {
	return s.kv.Set(ctx, refreshKey(userID), token, ttl)
}

func (s *Store) CurrentRefresh(ctx context.Context, userID uint) (string, bool, error) {
	return s.kv.Get(ctx, refreshKey(userID))
}

// RotateRefresh stores next only if presented is still the current token.
// A false result means another rotation or a logout got there first.
func (s *Store) RotateRefresh(ctx context.Context, userID uint, presented, next string, ttl time.Duration) (bool, error) {
	return s.kv.CompareAndSwap(ctx, refreshKey(userID), presented, next, ttl)
}

func (s *Store) DeleteRefresh(ctx context.Context, userID uint) error {
	return s.kv.Del(ctx, refreshKey(userID))
}

// Deny records token as revoked for ttl. Nothing is written when less than a
// second of validity is left; the result reports whether an entry was stored.
func (s *Store) Deny(ctx context.Context, token string, ttl time.Duration) (bool, error) {
	if ttl < time.Second {
		return false, nil
	}
	if err := s.kv.Set(ctx, denyKey(token), denyMarker, ttl); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) IsDenied(ctx context.Context, token string) (bool, error) {
	return s.kv.Exists(ctx, denyKey(token))
}

func (s *Store) Ping(ctx context.Context) error {
	return s.kv.Ping(ctx)
}
