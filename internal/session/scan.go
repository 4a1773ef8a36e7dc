package session

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// opTimeout bounds a single store round trip.
	opTimeout = 2 * time.Second

	// scanCount is the COUNT hint passed to SCAN.
	scanCount = 100
)

// ScanKeys enumerates every key matching pattern, issuing SCAN calls until
// the store reports cursor exhaustion and deduplicating along the way
// (a single pass may return a key more than once).
//
// The result is not a consistent snapshot: keys created or deleted while
// the scan is in flight may or may not appear. Callers accept this read
// skew; the store offers no cheap atomic enumeration and nothing here
// needs one.
func ScanKeys(ctx context.Context, client redis.Cmdable, pattern string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	seen := make(map[string]struct{})
	var keys []string
	var cursor uint64
	for {
		batch, next, err := client.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range batch {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}
