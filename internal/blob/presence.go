package blob

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

const DefaultWorkers = 8

// Missing probes ids against store with at most workers concurrent Exists calls and
// returns the ids that are absent, sorted. The first probe error cancels the rest.
func Missing(ctx context.Context, store Store, ids []string, workers int) ([]string, error) {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	var mu sync.Mutex
	var missing []string
	for _, id := range ids {
		g.Go(func() error {
			ok, err := store.Exists(gctx, id)
			if err != nil {
				return err
			}
			if !ok {
				mu.Lock()
				missing = append(missing, id)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Strings(missing)
	return missing, nil
}
