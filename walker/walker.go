// Package walker implements the breadth-first provider-tree traversal
// shared by the syncer's full sync and any future bulk-enumeration
// caller.
/*
 * Level-by-level BFS: the parents of one level are fetched
 * concurrently through an errgroup bounded by LevelFanout, and the
 * next level starts only once every parent of the current one is done.
 */
package walker

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/knowdisk/vfscore/core/node"
	"github.com/knowdisk/vfscore/provider"
)

const (
	defaultPageLimit   = 200
	defaultLevelFanout = 8
)

// Options tunes a Walk call.
type Options struct {
	// Root is the sourceRef to start from; nil walks from the mount's
	// top level.
	Root *string
	// PageLimit bounds each listChildren call; defaults to 200.
	PageLimit int
	// EnrichMetadata, when true, calls adapter.GetMetadata for any
	// file item reporting a missing or zero size.
	EnrichMetadata bool
	// LevelFanout bounds how many sibling parents are fetched
	// concurrently within a BFS level; defaults to 8. A provider tree
	// has one root but fans out wide at the first few levels (e.g. a
	// repo with hundreds of top-level mounts or a model with dozens of
	// sibling folders), so paging siblings in parallel shortens wall
	// clock without reordering the BFS level structure itself.
	LevelFanout int
}

// Walk performs a breadth-first traversal of adapter's tree and
// returns every item reached. Items within one parent preserve
// listChildren's page order; parents within the same BFS level are
// fetched concurrently (bounded by LevelFanout), so no cross-parent
// order is guaranteed. A visited-sourceRef set bounds traversal even
// if a future provider's tree turns out to be cyclic; none of the
// providers in this codebase produce one.
func Walk(ctx context.Context, adapter provider.Adapter, opts Options) ([]node.ListItem, error) {
	limit := opts.PageLimit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	fanout := opts.LevelFanout
	if fanout <= 0 {
		fanout = defaultLevelFanout
	}

	var out []node.ListItem
	visited := map[string]struct{}{}
	var visitedMu sync.Mutex
	if opts.Root != nil {
		visited[*opts.Root] = struct{}{}
	}

	level := []*string{opts.Root}
	for len(level) > 0 {
		var (
			mu        sync.Mutex
			nextLevel []*string
		)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(fanout)

		for _, parent := range level {
			parent := parent
			g.Go(func() error {
				items, err := walkOneParent(gctx, adapter, parent, limit, opts.EnrichMetadata)
				if err != nil {
					return err
				}
				mu.Lock()
				out = append(out, items...)
				mu.Unlock()
				for i := range items {
					item := items[i]
					if item.Kind != node.KindFolder {
						continue
					}
					visitedMu.Lock()
					_, seen := visited[item.SourceRef]
					if !seen {
						visited[item.SourceRef] = struct{}{}
					}
					visitedMu.Unlock()
					if !seen {
						ref := item.SourceRef
						mu.Lock()
						nextLevel = append(nextLevel, &ref)
						mu.Unlock()
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		level = nextLevel
	}
	return out, nil
}

func walkOneParent(ctx context.Context, adapter provider.Adapter, parent *string, limit int, enrich bool) ([]node.ListItem, error) {
	var out []node.ListItem
	var cursor *string
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		res, err := adapter.ListChildren(ctx, provider.ListChildrenArgs{
			ParentRef: parent,
			Limit:     limit,
			Cursor:    cursor,
		})
		if err != nil {
			return nil, err
		}
		for i := range res.Items {
			item := res.Items[i]
			if enrich && item.Kind == node.KindFile && (item.Size == nil || *item.Size == 0) {
				if enriched, err := adapter.GetMetadata(ctx, item.SourceRef); err == nil && enriched != nil {
					item = *enriched
				}
			}
			out = append(out, item)
		}
		if res.NextCursor == nil {
			break
		}
		cursor = res.NextCursor
	}
	return out, nil
}
