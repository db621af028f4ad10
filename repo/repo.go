// Package repo is the persistent store of nodes, mount-extension
// rows, and the remote page cache, backed by an embedded sqlite
// database opened through sqlx.
package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/knowdisk/vfscore/cmn/nlog"
	"github.com/knowdisk/vfscore/core/cursor"
	"github.com/knowdisk/vfscore/core/node"
)

// ChangeEvent is delivered to subscribers after a committed
// UpsertNodes call, one event per affected row.
type ChangeEvent struct {
	Prev *node.Node // nil if the row did not previously exist
	Next node.Node
}

// PageCacheRow is one row of vfs_page_cache.
type PageCacheRow struct {
	CacheKey    string
	ItemsJSON   string
	NextCursor  *string
	ExpiresAtMs int64
}

// Repository is the single point of mutation for persisted VFS state.
type Repository struct {
	db *sqlx.DB

	mu        sync.Mutex
	listeners []func(ChangeEvent)
}

// Open opens (or creates) the sqlite database at dsn and ensures the
// schema exists. Schema creation is idempotent: CREATE TABLE/INDEX IF
// NOT EXISTS.
func Open(dsn string) (*Repository, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", dsn, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single writer, avoid SQLITE_BUSY
	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error { return r.db.Close() }

// SubscribeNodeChanges registers listener to be called synchronously,
// on the writer's goroutine, after each UpsertNodes commit. The
// returned unsubscribe function removes it before the next emit.
func (r *Repository) SubscribeNodeChanges(listener func(ChangeEvent)) (unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := len(r.listeners)
	r.listeners = append(r.listeners, listener)
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if id < len(r.listeners) {
			r.listeners[id] = nil
		}
	}
}

func (r *Repository) broadcast(events []ChangeEvent) {
	r.mu.Lock()
	listeners := make([]func(ChangeEvent), len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()

	for _, l := range listeners {
		if l == nil {
			continue
		}
		func() {
			defer func() {
				if p := recover(); p != nil {
					nlog.Errorf("node-change listener panicked: %v", p)
				}
			}()
			for _, ev := range events {
				l(ev)
			}
		}()
	}
}

// dbNode is the sqlx scan target for vfs_nodes, carrying nullable
// columns as database/sql Null* wrappers.
type dbNode struct {
	NodeID          string         `db:"nodeId"`
	MountID         string         `db:"mountId"`
	ParentID        sql.NullString `db:"parentId"`
	Name            string         `db:"name"`
	Kind            string         `db:"kind"`
	Size            sql.NullInt64  `db:"size"`
	MtimeMs         sql.NullInt64  `db:"mtimeMs"`
	SourceRef       string         `db:"sourceRef"`
	ProviderVersion sql.NullString `db:"providerVersion"`
	DeletedAtMs     sql.NullInt64  `db:"deletedAtMs"`
	CreatedAtMs     int64          `db:"createdAtMs"`
	UpdatedAtMs     int64          `db:"updatedAtMs"`
	Title           sql.NullString `db:"title"`
}

func (d dbNode) toNode() node.Node {
	n := node.Node{
		NodeID:      d.NodeID,
		MountID:     d.MountID,
		Name:        d.Name,
		Kind:        d.Kind,
		SourceRef:   d.SourceRef,
		CreatedAtMs: d.CreatedAtMs,
		UpdatedAtMs: d.UpdatedAtMs,
	}
	if d.ParentID.Valid {
		n.ParentID = &d.ParentID.String
	}
	if d.Size.Valid {
		n.Size = &d.Size.Int64
	}
	if d.MtimeMs.Valid {
		n.MtimeMs = &d.MtimeMs.Int64
	}
	if d.ProviderVersion.Valid {
		n.ProviderVersion = &d.ProviderVersion.String
	}
	if d.DeletedAtMs.Valid {
		n.DeletedAtMs = &d.DeletedAtMs.Int64
	}
	if d.Title.Valid {
		n.Title = &d.Title.String
	}
	return n
}

func fromNode(n node.Node) dbNode {
	d := dbNode{
		NodeID:      n.NodeID,
		MountID:     n.MountID,
		Name:        n.Name,
		Kind:        n.Kind,
		SourceRef:   n.SourceRef,
		CreatedAtMs: n.CreatedAtMs,
		UpdatedAtMs: n.UpdatedAtMs,
	}
	if n.ParentID != nil {
		d.ParentID = sql.NullString{String: *n.ParentID, Valid: true}
	}
	if n.Size != nil {
		d.Size = sql.NullInt64{Int64: *n.Size, Valid: true}
	}
	if n.MtimeMs != nil {
		d.MtimeMs = sql.NullInt64{Int64: *n.MtimeMs, Valid: true}
	}
	if n.ProviderVersion != nil {
		d.ProviderVersion = sql.NullString{String: *n.ProviderVersion, Valid: true}
	}
	if n.DeletedAtMs != nil {
		d.DeletedAtMs = sql.NullInt64{Int64: *n.DeletedAtMs, Valid: true}
	}
	if n.Title != nil {
		d.Title = sql.NullString{String: *n.Title, Valid: true}
	}
	return d
}

const upsertNodeSQL = `
INSERT INTO vfs_nodes
	(nodeId, mountId, parentId, name, kind, size, mtimeMs, sourceRef, providerVersion, deletedAtMs, createdAtMs, updatedAtMs, title)
VALUES
	(:nodeId, :mountId, :parentId, :name, :kind, :size, :mtimeMs, :sourceRef, :providerVersion, :deletedAtMs, :createdAtMs, :updatedAtMs, :title)
ON CONFLICT(nodeId) DO UPDATE SET
	mountId = excluded.mountId,
	parentId = excluded.parentId,
	name = excluded.name,
	kind = excluded.kind,
	size = excluded.size,
	mtimeMs = excluded.mtimeMs,
	sourceRef = excluded.sourceRef,
	providerVersion = excluded.providerVersion,
	deletedAtMs = excluded.deletedAtMs,
	updatedAtMs = excluded.updatedAtMs,
	title = excluded.title
`

// UpsertNodes writes rows transactionally (INSERT ... ON CONFLICT DO
// UPDATE) and, after commit, broadcasts one ChangeEvent per row to
// subscribers. Each row's createdAtMs is written as given — callers
// (the syncer, the VFS service) are responsible for preserving the
// original createdAtMs on update, per spec's upsert-idempotence law.
func (r *Repository) UpsertNodes(ctx context.Context, rows []node.Node) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	events := make([]ChangeEvent, 0, len(rows))
	for _, n := range rows {
		var prevDB dbNode
		err := tx.GetContext(ctx, &prevDB, `SELECT * FROM vfs_nodes WHERE nodeId = ?`, n.NodeID)
		var prev *node.Node
		switch {
		case err == nil:
			pn := prevDB.toNode()
			prev = &pn
		case err == sql.ErrNoRows:
			prev = nil
		default:
			return fmt.Errorf("lookup prior node %q: %w", n.NodeID, err)
		}

		if _, err := tx.NamedExecContext(ctx, upsertNodeSQL, fromNode(n)); err != nil {
			return fmt.Errorf("upsert node %q: %w", n.NodeID, err)
		}
		events = append(events, ChangeEvent{Prev: prev, Next: n})
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	r.broadcast(events)
	return nil
}

// CreateMount writes the mount-root node and its extension row in a
// single transaction, so a concurrent reader never observes one
// without the other.
func (r *Repository) CreateMount(ctx context.Context, root node.Node, mc node.MountConfig) error {
	extra, err := json.Marshal(mc.ProviderExtra)
	if err != nil {
		return fmt.Errorf("marshal providerExtra: %w", err)
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.NamedExecContext(ctx, upsertNodeSQL, fromNode(root)); err != nil {
		return fmt.Errorf("insert mount root %q: %w", root.NodeID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO vfs_node_mount_ext
			(nodeId, mountId, providerType, providerExtra, syncMetadata, syncContent, metadataTtlSec, reconcileIntervalMs, createdAtMs, updatedAtMs)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, mc.NodeID, mc.MountID, mc.ProviderType, string(extra), mc.SyncMetadata, mc.SyncContent,
		mc.MetadataTTLSec, mc.ReconcileIntervalMs, mc.CreatedAtMs, mc.UpdatedAtMs); err != nil {
		return fmt.Errorf("insert mount ext %q: %w", mc.MountID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	r.broadcast([]ChangeEvent{{Prev: nil, Next: root}})
	return nil
}

// TombstoneMountNodes soft-deletes every live node of mountId
// (including the mount root) as of nowMs, in one transaction, and
// broadcasts one ChangeEvent per affected row after commit.
func (r *Repository) TombstoneMountNodes(ctx context.Context, mountID string, nowMs int64) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var rows []dbNode
	if err := tx.SelectContext(ctx, &rows,
		`SELECT * FROM vfs_nodes WHERE mountId = ? AND deletedAtMs IS NULL`, mountID); err != nil {
		return fmt.Errorf("list live nodes of mount %q: %w", mountID, err)
	}
	events := make([]ChangeEvent, 0, len(rows))
	for _, d := range rows {
		prev := d.toNode()
		next := prev
		next.DeletedAtMs = &nowMs
		next.UpdatedAtMs = nowMs
		if _, err := tx.NamedExecContext(ctx, upsertNodeSQL, fromNode(next)); err != nil {
			return fmt.Errorf("tombstone node %q: %w", next.NodeID, err)
		}
		events = append(events, ChangeEvent{Prev: &prev, Next: next})
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	r.broadcast(events)
	return nil
}

// GetNodeById returns the node, or nil if it does not exist. Soft
// deleted nodes are returned (not filtered) — callers decide.
func (r *Repository) GetNodeById(ctx context.Context, nodeID string) (*node.Node, error) {
	var d dbNode
	err := r.db.GetContext(ctx, &d, `SELECT * FROM vfs_nodes WHERE nodeId = ?`, nodeID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get node %q: %w", nodeID, err)
	}
	n := d.toNode()
	return &n, nil
}

// ListNodesByMountId returns every node of a mount, live and
// tombstoned alike, ordered by (name, nodeId); callers filter soft
// deletes themselves when they need to (e.g. the syncer diffing prior
// state needs to see tombstones already applied).
func (r *Repository) ListNodesByMountId(ctx context.Context, mountID string) ([]node.Node, error) {
	var rows []dbNode
	err := r.db.SelectContext(ctx, &rows,
		`SELECT * FROM vfs_nodes WHERE mountId = ? ORDER BY name ASC, nodeId ASC`, mountID)
	if err != nil {
		return nil, fmt.Errorf("list nodes of mount %q: %w", mountID, err)
	}
	out := make([]node.Node, len(rows))
	for i, d := range rows {
		out[i] = d.toNode()
	}
	return out, nil
}

// ListChildrenPageParams selects the scope and pagination state of a
// ListChildrenPageLocal call.
type ListChildrenPageParams struct {
	MountID     *string // nil: root-level listing across all mounts
	ParentID    *string // nil: root level (mount nodes)
	Limit       int
	AfterName   string // boundary from a decoded local cursor; ignored if AfterNodeID == ""
	AfterNodeID string
}

// ListChildrenPageLocal returns a deterministic (name ASC, nodeId ASC)
// page of live children, excluding soft-deleted rows. nextCursor is
// non-nil iff at least one more live row exists beyond the page (a
// limit+1 lookahead).
func (r *Repository) ListChildrenPageLocal(ctx context.Context, p ListChildrenPageParams) ([]node.Node, *string, error) {
	if p.Limit < 1 {
		return nil, nil, fmt.Errorf("limit must be >= 1, got %d", p.Limit)
	}
	query := `SELECT * FROM vfs_nodes WHERE deletedAtMs IS NULL`
	args := []any{}

	if p.MountID != nil {
		query += ` AND mountId = ?`
		args = append(args, *p.MountID)
	}
	if p.ParentID == nil {
		query += ` AND parentId IS NULL`
	} else {
		query += ` AND parentId = ?`
		args = append(args, *p.ParentID)
	}
	if p.AfterNodeID != "" {
		query += ` AND (name > ? OR (name = ? AND nodeId > ?))`
		args = append(args, p.AfterName, p.AfterName, p.AfterNodeID)
	}
	query += ` ORDER BY name ASC, nodeId ASC LIMIT ?`
	args = append(args, p.Limit+1)

	var rows []dbNode
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, nil, fmt.Errorf("list children page: %w", err)
	}

	hasMore := len(rows) > p.Limit
	if hasMore {
		rows = rows[:p.Limit]
	}
	items := make([]node.Node, len(rows))
	for i, d := range rows {
		items[i] = d.toNode()
	}
	var next *string
	if hasMore && len(items) > 0 {
		last := items[len(items)-1]
		tok := encodeLocalCursor(last.Name, last.NodeID)
		next = &tok
	}
	return items, next, nil
}

// UpsertMountExt inserts or replaces a mount's extension row.
func (r *Repository) UpsertMountExt(ctx context.Context, mc node.MountConfig) error {
	extra, err := json.Marshal(mc.ProviderExtra)
	if err != nil {
		return fmt.Errorf("marshal providerExtra: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO vfs_node_mount_ext
			(nodeId, mountId, providerType, providerExtra, syncMetadata, syncContent, metadataTtlSec, reconcileIntervalMs, createdAtMs, updatedAtMs)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(nodeId) DO UPDATE SET
			providerType = excluded.providerType,
			providerExtra = excluded.providerExtra,
			syncMetadata = excluded.syncMetadata,
			syncContent = excluded.syncContent,
			metadataTtlSec = excluded.metadataTtlSec,
			reconcileIntervalMs = excluded.reconcileIntervalMs,
			updatedAtMs = excluded.updatedAtMs
	`, mc.NodeID, mc.MountID, mc.ProviderType, string(extra), mc.SyncMetadata, mc.SyncContent,
		mc.MetadataTTLSec, mc.ReconcileIntervalMs, mc.CreatedAtMs, mc.UpdatedAtMs)
	if err != nil {
		return fmt.Errorf("upsert mount ext %q: %w", mc.MountID, err)
	}
	return nil
}

type dbMountExt struct {
	NodeID              string `db:"nodeId"`
	MountID             string `db:"mountId"`
	ProviderType        string `db:"providerType"`
	ProviderExtra       string `db:"providerExtra"`
	SyncMetadata        bool   `db:"syncMetadata"`
	SyncContent         bool   `db:"syncContent"`
	MetadataTTLSec      int64  `db:"metadataTtlSec"`
	ReconcileIntervalMs int64  `db:"reconcileIntervalMs"`
	CreatedAtMs         int64  `db:"createdAtMs"`
	UpdatedAtMs         int64  `db:"updatedAtMs"`
}

func (d dbMountExt) toMountConfig() (node.MountConfig, error) {
	mc := node.MountConfig{
		NodeID:              d.NodeID,
		MountID:             d.MountID,
		ProviderType:        d.ProviderType,
		SyncMetadata:        d.SyncMetadata,
		SyncContent:         d.SyncContent,
		MetadataTTLSec:      d.MetadataTTLSec,
		ReconcileIntervalMs: d.ReconcileIntervalMs,
		CreatedAtMs:         d.CreatedAtMs,
		UpdatedAtMs:         d.UpdatedAtMs,
	}
	if err := json.Unmarshal([]byte(d.ProviderExtra), &mc.ProviderExtra); err != nil {
		return node.MountConfig{}, fmt.Errorf("unmarshal providerExtra: %w", err)
	}
	return mc, nil
}

// GetMountExtByMountId returns the mount's extension row, or nil if
// absent.
func (r *Repository) GetMountExtByMountId(ctx context.Context, mountID string) (*node.MountConfig, error) {
	var d dbMountExt
	err := r.db.GetContext(ctx, &d, `SELECT * FROM vfs_node_mount_ext WHERE mountId = ?`, mountID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get mount ext %q: %w", mountID, err)
	}
	mc, err := d.toMountConfig()
	if err != nil {
		return nil, err
	}
	return &mc, nil
}

// DeleteMountExtByMountId removes the mount's extension row.
func (r *Repository) DeleteMountExtByMountId(ctx context.Context, mountID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM vfs_node_mount_ext WHERE mountId = ?`, mountID)
	if err != nil {
		return fmt.Errorf("delete mount ext %q: %w", mountID, err)
	}
	return nil
}

// ListMountExt returns every mount's extension row.
func (r *Repository) ListMountExt(ctx context.Context) ([]node.MountConfig, error) {
	var rows []dbMountExt
	if err := r.db.SelectContext(ctx, &rows, `SELECT * FROM vfs_node_mount_ext`); err != nil {
		return nil, fmt.Errorf("list mount ext: %w", err)
	}
	out := make([]node.MountConfig, 0, len(rows))
	for _, d := range rows {
		mc, err := d.toMountConfig()
		if err != nil {
			return nil, err
		}
		out = append(out, mc)
	}
	return out, nil
}

// BuildCacheKey derives a page-cache key from the listing request
// tuple: {mountId, parentNodeId, providerCursor|"", limit}.
func BuildCacheKey(mountID, parentNodeID, providerCursor string, limit int) string {
	return fmt.Sprintf("%s::%s::%s::%d", mountID, parentNodeID, providerCursor, limit)
}

// UpsertPageCache inserts or replaces a cached remote page.
func (r *Repository) UpsertPageCache(ctx context.Context, row PageCacheRow) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO vfs_page_cache (cacheKey, itemsJson, nextCursor, expiresAtMs)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(cacheKey) DO UPDATE SET
			itemsJson = excluded.itemsJson,
			nextCursor = excluded.nextCursor,
			expiresAtMs = excluded.expiresAtMs
	`, row.CacheKey, row.ItemsJSON, row.NextCursor, row.ExpiresAtMs)
	if err != nil {
		return fmt.Errorf("upsert page cache %q: %w", row.CacheKey, err)
	}
	return nil
}

// GetPageCacheIfFresh returns the row for key iff expiresAtMs > nowMs
// (strict); a row with expiresAtMs == nowMs is considered stale.
func (r *Repository) GetPageCacheIfFresh(ctx context.Context, key string, nowMs int64) (*PageCacheRow, error) {
	var row struct {
		CacheKey    string         `db:"cacheKey"`
		ItemsJSON   string         `db:"itemsJson"`
		NextCursor  sql.NullString `db:"nextCursor"`
		ExpiresAtMs int64          `db:"expiresAtMs"`
	}
	err := r.db.GetContext(ctx, &row,
		`SELECT * FROM vfs_page_cache WHERE cacheKey = ? AND expiresAtMs > ?`, key, nowMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get page cache %q: %w", key, err)
	}
	out := &PageCacheRow{CacheKey: row.CacheKey, ItemsJSON: row.ItemsJSON, ExpiresAtMs: row.ExpiresAtMs}
	if row.NextCursor.Valid {
		out.NextCursor = &row.NextCursor.String
	}
	return out, nil
}

// DeletePageCacheByMountId evicts every cached page for a mount; used
// by unmount and available to callers that want to force remote
// re-fetch after reconfiguring a mount.
func (r *Repository) DeletePageCacheByMountId(ctx context.Context, mountID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM vfs_page_cache WHERE cacheKey = ? OR cacheKey LIKE ?`,
		mountID, mountID+"::%")
	if err != nil {
		return fmt.Errorf("delete page cache for mount %q: %w", mountID, err)
	}
	return nil
}

func encodeLocalCursor(name, nodeID string) string {
	return cursor.EncodeLocal(cursor.Local{LastName: name, LastNodeID: nodeID})
}
