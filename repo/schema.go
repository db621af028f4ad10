package repo

const schemaDDL = `
CREATE TABLE IF NOT EXISTS vfs_nodes (
	nodeId          TEXT PRIMARY KEY,
	mountId         TEXT NOT NULL,
	parentId        TEXT,
	name            TEXT NOT NULL,
	kind            TEXT NOT NULL,
	size            INTEGER,
	mtimeMs         INTEGER,
	sourceRef       TEXT NOT NULL,
	providerVersion TEXT,
	deletedAtMs     INTEGER,
	createdAtMs     INTEGER NOT NULL,
	updatedAtMs     INTEGER NOT NULL,
	title           TEXT,
	UNIQUE(mountId, sourceRef)
);

CREATE INDEX IF NOT EXISTS idx_vfs_nodes_paging
	ON vfs_nodes(mountId, parentId, name, nodeId);

CREATE TABLE IF NOT EXISTS vfs_node_mount_ext (
	nodeId              TEXT PRIMARY KEY,
	mountId             TEXT NOT NULL UNIQUE,
	providerType        TEXT NOT NULL,
	providerExtra       TEXT NOT NULL,
	syncMetadata        INTEGER NOT NULL,
	syncContent         INTEGER NOT NULL,
	metadataTtlSec      INTEGER NOT NULL,
	reconcileIntervalMs INTEGER NOT NULL,
	createdAtMs         INTEGER NOT NULL,
	updatedAtMs         INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS vfs_page_cache (
	cacheKey    TEXT PRIMARY KEY,
	itemsJson   TEXT NOT NULL,
	nextCursor  TEXT,
	expiresAtMs INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_vfs_page_cache_expires
	ON vfs_page_cache(expiresAtMs);
`
