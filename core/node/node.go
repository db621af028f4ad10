// Package node defines the universal entity types shared by the
// repository, the providers, the VFS service, and the syncer: Node,
// Mount, and the provider-facing ListItem.
/*
 * Node and Mount are plain structs; nothing downstream needs a
 * wrapper-over-a-cast indirection for either type.
 */
package node

const (
	KindMount  = "mount"
	KindFolder = "folder"
	KindFile   = "file"
)

// Node is the universal VFS entity: a mount root, a folder, or a file.
type Node struct {
	NodeID          string  `json:"nodeId"`
	MountID         string  `json:"mountId"`
	ParentID        *string `json:"parentId,omitempty"`
	Name            string  `json:"name"`
	Kind            string  `json:"kind"`
	Size            *int64  `json:"size,omitempty"`
	MtimeMs         *int64  `json:"mtimeMs,omitempty"`
	SourceRef       string  `json:"sourceRef"`
	ProviderVersion *string `json:"providerVersion,omitempty"`
	DeletedAtMs     *int64  `json:"deletedAtMs,omitempty"`
	CreatedAtMs     int64   `json:"createdAtMs"`
	UpdatedAtMs     int64   `json:"updatedAtMs"`

	// Title is cosmetic, non-authoritative display metadata forwarded
	// from a provider's ListItem (e.g. a remote repo's human-readable
	// name); no invariant or query depends on it.
	Title *string `json:"title,omitempty"`
}

// IsDeleted reports whether the node carries a soft-delete tombstone.
func (n *Node) IsDeleted() bool { return n.DeletedAtMs != nil }

// IsMount reports whether n is a mount-root node.
func (n *Node) IsMount() bool { return n.Kind == KindMount }

// MountConfig is a mount's persisted configuration: one row in
// vfs_node_mount_ext, keyed by the mount's root node id.
type MountConfig struct {
	NodeID              string            `json:"nodeId"`
	MountID             string            `json:"mountId"`
	ProviderType        string            `json:"providerType"`
	ProviderExtra       map[string]string `json:"providerExtra,omitempty"`
	SyncMetadata        bool              `json:"syncMetadata"`
	SyncContent         bool              `json:"syncContent"`
	MetadataTTLSec      int64             `json:"metadataTtlSec"`
	ReconcileIntervalMs int64             `json:"reconcileIntervalMs"`
	CreatedAtMs         int64             `json:"createdAtMs"`
	UpdatedAtMs         int64             `json:"updatedAtMs"`
}

// Mount is the caller-facing view of a mount: its config plus its
// root node id.
type Mount struct {
	MountID string      `json:"mountId"`
	Config  MountConfig `json:"config"`
	RootID  string      `json:"rootId"`
}

// MountInput is what a caller supplies to vfs.Service.Mount /
// MountInternal; MountID is filled in by MountInternal's caller or
// generated fresh by Mount.
type MountInput struct {
	ProviderType        string            `json:"providerType"`
	ProviderExtra       map[string]string `json:"providerExtra,omitempty"`
	SyncMetadata        bool              `json:"syncMetadata"`
	SyncContent         bool              `json:"syncContent"`
	MetadataTTLSec      int64             `json:"metadataTtlSec"`
	ReconcileIntervalMs int64             `json:"reconcileIntervalMs"`
}

// ListItem is what a provider adapter returns from listChildren /
// getMetadata: everything needed to construct or refresh a Node,
// addressed by the provider's own sourceRef rather than a nodeId.
type ListItem struct {
	SourceRef       string  `json:"sourceRef"`
	ParentSourceRef *string `json:"parentSourceRef,omitempty"`
	Name            string  `json:"name"`
	Kind            string  `json:"kind"`
	Size            *int64  `json:"size,omitempty"`
	MtimeMs         *int64  `json:"mtimeMs,omitempty"`
	ProviderVersion *string `json:"providerVersion,omitempty"`
	Title           *string `json:"title,omitempty"`
}
