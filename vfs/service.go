// Package vfs implements the VFS service: mount lifecycle and the
// local/remote-dispatching walkChildren operation that is the read
// path's single entry point.
/*
 * A thin service struct over a store: it holds its repository and a
 * registry of pluggable backends and exposes request/response methods
 * with no HTTP concerns mixed in (those live in httpapi).
 */
package vfs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/knowdisk/vfscore/cmn/cos"
	"github.com/knowdisk/vfscore/core/cursor"
	"github.com/knowdisk/vfscore/core/node"
	"github.com/knowdisk/vfscore/core/nodeid"
	"github.com/knowdisk/vfscore/metrics"
	"github.com/knowdisk/vfscore/provider"
	"github.com/knowdisk/vfscore/repo"
)

const (
	SourceLocal  = "local"
	SourceRemote = "remote"
)

// Service is the process-embedded VFS API: mount lifecycle plus the
// local/remote-dispatching children-listing read path.
type Service struct {
	repo     *repo.Repository
	registry *provider.Registry
	nowMs    func() int64 // overridable for tests; defaults to time.Now
	metrics  *metrics.Metrics
}

// New builds a Service bound to repo and registry.
func New(r *repo.Repository, registry *provider.Registry) *Service {
	return &Service{
		repo:     r,
		registry: registry,
		nowMs:    func() int64 { return time.Now().UnixMilli() },
	}
}

// SetMetrics attaches a collector bundle; nil disables instrumentation.
func (s *Service) SetMetrics(m *metrics.Metrics) { s.metrics = m }

func (s *Service) observePageServed(source string) {
	if s.metrics != nil {
		s.metrics.ObservePageServed(source)
	}
}

func (s *Service) adjustMountsActive(delta float64) {
	if s.metrics != nil {
		s.metrics.MountsActive.Add(delta)
	}
}

// Mount generates a fresh mountId and delegates to MountInternal.
func (s *Service) Mount(ctx context.Context, input node.MountInput) (node.Mount, error) {
	return s.MountInternal(ctx, uuid.NewString(), input)
}

// MountInternal creates the mount-root node and upserts the mount-ext
// row in one visible transaction, using the caller-supplied mountId.
func (s *Service) MountInternal(ctx context.Context, mountID string, input node.MountInput) (node.Mount, error) {
	now := s.nowMs()
	rootID := nodeid.CreateNodeId(mountID, "")
	root := node.Node{
		NodeID: rootID, MountID: mountID, ParentID: nil,
		Name: mountID, Kind: node.KindMount, SourceRef: "",
		CreatedAtMs: now, UpdatedAtMs: now,
	}
	mc := node.MountConfig{
		NodeID: rootID, MountID: mountID,
		ProviderType: input.ProviderType, ProviderExtra: input.ProviderExtra,
		SyncMetadata: input.SyncMetadata, SyncContent: input.SyncContent,
		MetadataTTLSec: input.MetadataTTLSec, ReconcileIntervalMs: input.ReconcileIntervalMs,
		CreatedAtMs: now, UpdatedAtMs: now,
	}
	if err := s.repo.CreateMount(ctx, root, mc); err != nil {
		return node.Mount{}, err
	}
	s.adjustMountsActive(1)
	return node.Mount{MountID: mountID, Config: mc, RootID: rootID}, nil
}

// Unmount tombstones every live node of the mount (the mount-root
// node included), evicts its page cache, then removes the mount-ext
// row. The tombstoned node rows stay in the repository.
func (s *Service) Unmount(ctx context.Context, mountID string) error {
	now := s.nowMs()
	if err := s.repo.TombstoneMountNodes(ctx, mountID, now); err != nil {
		return fmt.Errorf("tombstone mount %q: %w", mountID, err)
	}
	if err := s.repo.DeletePageCacheByMountId(ctx, mountID); err != nil {
		return fmt.Errorf("evict page cache for mount %q: %w", mountID, err)
	}
	if err := s.repo.DeleteMountExtByMountId(ctx, mountID); err != nil {
		return fmt.Errorf("delete mount ext %q: %w", mountID, err)
	}
	s.adjustMountsActive(-1)
	return nil
}

// WalkChildrenArgs is a walkChildren request.
type WalkChildrenArgs struct {
	ParentNodeID *string // nil: the root level (mount nodes)
	Limit        int
	Cursor       *string
}

// WalkChildrenResult is a walkChildren response.
type WalkChildrenResult struct {
	Items      []node.Node
	NextCursor *string
	Source     string // SourceLocal or SourceRemote
}

// WalkChildren is the read path's single entry point: a root-level
// listing and any syncMetadata mount are served straight from the
// repository; a remote-authoritative mount consults the page cache
// before falling through to the provider adapter.
func (s *Service) WalkChildren(ctx context.Context, args WalkChildrenArgs) (WalkChildrenResult, error) {
	if args.ParentNodeID == nil {
		afterName, afterNodeID, err := decodeLocalCursor(args.Cursor)
		if err != nil {
			return WalkChildrenResult{}, err
		}
		items, next, err := s.repo.ListChildrenPageLocal(ctx, repo.ListChildrenPageParams{
			Limit: args.Limit, AfterName: afterName, AfterNodeID: afterNodeID,
		})
		if err != nil {
			return WalkChildrenResult{}, err
		}
		s.observePageServed(SourceLocal)
		return WalkChildrenResult{Items: items, NextCursor: next, Source: SourceLocal}, nil
	}

	parent, err := s.repo.GetNodeById(ctx, *args.ParentNodeID)
	if err != nil {
		return WalkChildrenResult{}, err
	}
	if parent == nil || parent.IsDeleted() {
		return WalkChildrenResult{}, cos.NewErrParentNotFound(*args.ParentNodeID)
	}
	mc, err := s.repo.GetMountExtByMountId(ctx, parent.MountID)
	if err != nil {
		return WalkChildrenResult{}, err
	}
	if mc == nil {
		return WalkChildrenResult{}, cos.NewErrMountConfigNotFound(parent.MountID)
	}

	if mc.SyncMetadata {
		afterName, afterNodeID, err := decodeLocalCursor(args.Cursor)
		if err != nil {
			return WalkChildrenResult{}, err
		}
		items, next, err := s.repo.ListChildrenPageLocal(ctx, repo.ListChildrenPageParams{
			MountID: &parent.MountID, ParentID: args.ParentNodeID, Limit: args.Limit,
			AfterName: afterName, AfterNodeID: afterNodeID,
		})
		if err != nil {
			return WalkChildrenResult{}, err
		}
		s.observePageServed(SourceLocal)
		return WalkChildrenResult{Items: items, NextCursor: next, Source: SourceLocal}, nil
	}

	return s.walkChildrenRemote(ctx, parent, mc, args)
}

func (s *Service) walkChildrenRemote(ctx context.Context, parent *node.Node, mc *node.MountConfig, args WalkChildrenArgs) (WalkChildrenResult, error) {
	providerCursor, err := decodeRemoteCursor(args.Cursor)
	if err != nil {
		return WalkChildrenResult{}, err
	}
	cacheKey := repo.BuildCacheKey(parent.MountID, *args.ParentNodeID, providerCursor, args.Limit)
	nowMs := s.nowMs()

	if cached, err := s.repo.GetPageCacheIfFresh(ctx, cacheKey, nowMs); err != nil {
		return WalkChildrenResult{}, err
	} else if cached != nil {
		var items []node.Node
		if err := json.Unmarshal([]byte(cached.ItemsJSON), &items); err != nil {
			return WalkChildrenResult{}, fmt.Errorf("decode cached page %q: %w", cacheKey, err)
		}
		var next *string
		if cached.NextCursor != nil {
			tok := cursor.EncodeRemote(cursor.Remote{ProviderCursor: *cached.NextCursor})
			next = &tok
		}
		s.observePageServed("cache")
		return WalkChildrenResult{Items: items, NextCursor: next, Source: SourceRemote}, nil
	}

	adapter, err := s.registry.Get(parent.MountID, mc.ProviderType, mc.ProviderExtra)
	if err != nil {
		return WalkChildrenResult{}, err
	}
	var parentRef *string
	if parent.Kind != node.KindMount {
		ref := parent.SourceRef
		parentRef = &ref
	}
	var providerCursorArg *string
	if providerCursor != "" {
		providerCursorArg = &providerCursor
	}
	res, err := adapter.ListChildren(ctx, provider.ListChildrenArgs{ParentRef: parentRef, Limit: args.Limit, Cursor: providerCursorArg})
	if err != nil {
		return WalkChildrenResult{}, err
	}

	nodes := make([]node.Node, len(res.Items))
	for i, it := range res.Items {
		nodes[i] = node.Node{
			NodeID: nodeid.CreateNodeId(parent.MountID, it.SourceRef), MountID: parent.MountID,
			ParentID: &parent.NodeID, Name: it.Name, Kind: it.Kind,
			Size: it.Size, MtimeMs: it.MtimeMs, SourceRef: it.SourceRef,
			ProviderVersion: it.ProviderVersion, Title: it.Title,
			CreatedAtMs: nowMs, UpdatedAtMs: nowMs,
		}
	}
	if err := s.repo.UpsertNodes(ctx, nodes); err != nil {
		return WalkChildrenResult{}, err
	}

	itemsJSON, err := json.Marshal(nodes)
	if err != nil {
		return WalkChildrenResult{}, fmt.Errorf("encode page cache %q: %w", cacheKey, err)
	}
	if err := s.repo.UpsertPageCache(ctx, repo.PageCacheRow{
		CacheKey: cacheKey, ItemsJSON: string(itemsJSON), NextCursor: res.NextCursor,
		ExpiresAtMs: nowMs + mc.MetadataTTLSec*1000,
	}); err != nil {
		return WalkChildrenResult{}, err
	}

	var next *string
	if res.NextCursor != nil {
		tok := cursor.EncodeRemote(cursor.Remote{ProviderCursor: *res.NextCursor})
		next = &tok
	}
	s.observePageServed("provider")
	return WalkChildrenResult{Items: nodes, NextCursor: next, Source: SourceRemote}, nil
}

// ListChildren is walkChildren restricted to a required, non-nil
// parent.
func (s *Service) ListChildren(ctx context.Context, parentNodeID string, limit int, cursorTok *string) ([]node.Node, *string, error) {
	res, err := s.WalkChildren(ctx, WalkChildrenArgs{ParentNodeID: &parentNodeID, Limit: limit, Cursor: cursorTok})
	if err != nil {
		return nil, nil, err
	}
	return res.Items, res.NextCursor, nil
}

// TriggerReconcile is a hook for callers (e.g. the HTTP admin surface)
// to request an out-of-band reconcile; wiring it to an actual syncer
// is the scheduler's job (C10), so this is a no-op placeholder here.
func (s *Service) TriggerReconcile(string) error { return nil }

// CreateReadStream always fails by design: byte I/O is the syncer's
// job (content sync to disk) or a direct adapter call's job, never
// the service's.
func (s *Service) CreateReadStream(context.Context, string) (io.ReadCloser, error) {
	return nil, fmt.Errorf("vfs.Service does not serve content bytes; use the syncer or the provider adapter directly")
}

func decodeLocalCursor(tok *string) (afterName, afterNodeID string, err error) {
	if tok == nil {
		return "", "", nil
	}
	d, err := cursor.Decode(*tok)
	if err != nil {
		return "", "", err
	}
	if d.Mode != cursor.ModeLocal || d.Local == nil {
		return "", "", cos.NewErrMalformedCursor("expected a local-mode cursor")
	}
	return d.Local.LastName, d.Local.LastNodeID, nil
}

func decodeRemoteCursor(tok *string) (string, error) {
	if tok == nil {
		return "", nil
	}
	d, err := cursor.Decode(*tok)
	if err != nil {
		return "", err
	}
	if d.Mode != cursor.ModeRemote || d.Remote == nil {
		return "", cos.NewErrMalformedCursor("expected a remote-mode cursor")
	}
	return d.Remote.ProviderCursor, nil
}
