// Package locks provides per-key mutual exclusion for ledger records.
//
// Callers name every record they need up front. Keys are always taken in
// sorted order, so two callers locking overlapping sets cannot deadlock.
// Acquisition honours the context deadline; an expired deadline yields a
// Timeout error and leaves nothing held.
package locks

import (
	"context"
	"sort"
	"sync"

	apperrors "github.com/R3E-Network/sitcoin/internal/errors"
)

// Release frees every key taken by one Acquire call. It is safe to call more
// than once.
type Release func()

// Locker acquires exclusive holds on a set of keys.
type Locker interface {
	Acquire(ctx context.Context, keys ...string) (Release, error)
}

// AccountKey names the lock guarding an account's balance.
func AccountKey(id string) string { return "account:" + id }

// ReversalKey names the lock guarding a reversal request.
func ReversalKey(id string) string { return "reversal:" + id }

// Normalize returns keys sorted and without blanks or duplicates.
func Normalize(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func timeoutError(key string, err error) error {
	return apperrors.Timeout("acquire lock "+key, err).WithDetails("key", key)
}

func releaseAll(releases []func()) Release {
	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(releases) - 1; i >= 0; i-- {
				releases[i]()
			}
		})
	}
}
