// Package provider defines the adapter contract every content source
// implements and the registry that selects an adapter by a mount's
// providerType.
/*
 * A small tagged interface with an "interface guard"
 * (var _ Adapter = (*impl)(nil)) per implementation, selected from a
 * registered-factory map rather than reflection or a constructor
 * switch, since the provider set is open-ended.
 */
package provider

import (
	"context"
	"io"
	"sync"

	"github.com/knowdisk/vfscore/cmn/cos"
	"github.com/knowdisk/vfscore/core/node"
)

// Capabilities advertises what an adapter optionally supports.
type Capabilities struct {
	Watch bool
}

// ListChildrenArgs is the paged-listing request every adapter serves.
// ParentRef is the enclosing folder's sourceRef, or nil to list the
// mount's top level; the adapter is never handed a nodeId.
type ListChildrenArgs struct {
	ParentRef *string
	Limit     int
	Cursor    *string // provider-opaque; nil on the first page
}

// ListChildrenResult is one page of a provider listing.
type ListChildrenResult struct {
	Items      []node.ListItem
	NextCursor *string
}

// ReadStreamArgs bounds a content fetch to a half-open byte range
// translated by the caller into the inclusive range the wire protocol
// expects: offset alone means "from offset to EOF"; both present means
// exactly [offset, offset+length-1].
type ReadStreamArgs struct {
	ID     string
	Offset *int64
	Length *int64
}

// WatchEvent is a normalized change notification; Type is one of
// EventAdd, EventUpdateMetadata, EventUpdateContent, EventDelete.
type WatchEvent struct {
	Type            string
	SourceRef       string
	ParentSourceRef *string
}

const (
	EventAdd            = "add"
	EventUpdateMetadata = "update_metadata"
	EventUpdateContent  = "update_content"
	EventDelete         = "delete"
)

// Watch is the handle returned by Adapter.Watch; Close stops delivery.
type Watch struct {
	Close func() error
}

// Adapter is the contract a content source implements. listChildren
// is mandatory; CreateReadStream, GetMetadata, and Watch are optional
// — a provider that doesn't support one returns (nil, ErrNotSupported)
// and callers check Capabilities/nil-ness before calling.
type Adapter interface {
	Type() string
	Capabilities() Capabilities

	ListChildren(ctx context.Context, args ListChildrenArgs) (ListChildrenResult, error)

	// CreateReadStream returns nil, ErrNotSupported if the adapter
	// does not serve content bytes.
	CreateReadStream(ctx context.Context, args ReadStreamArgs) (io.ReadCloser, error)

	// GetMetadata returns (nil, nil) if the ref does not exist, and
	// (nil, ErrNotSupported) if the adapter cannot serve metadata
	// probes independent of listing.
	GetMetadata(ctx context.Context, sourceRef string) (*node.ListItem, error)

	// Watch returns (nil, ErrNotSupported) if Capabilities().Watch is
	// false.
	Watch(ctx context.Context, onEvent func(WatchEvent)) (*Watch, error)
}

// ErrNotSupported is returned by an adapter's optional methods when it
// does not implement that capability.
var ErrNotSupported = errNotSupported{}

type errNotSupported struct{}

func (errNotSupported) Error() string { return "not supported by this provider" }

// Factory builds an Adapter for a mount's provider configuration.
type Factory func(mountID string, providerExtra map[string]string) (Adapter, error)

// Registry maps a providerType to the Factory that builds its
// adapters. The two built-in types ("local", "huggingface") are
// registered by provider/registry.NewDefault; the registry itself
// holds no built-ins to avoid an import cycle between provider and its
// own sub-packages.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for providerType.
func (r *Registry) Register(providerType string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[providerType] = f
}

// Get builds an adapter for the mount, failing with
// *cos.ErrUnknownProviderType if providerType has no registered
// factory.
func (r *Registry) Get(mountID, providerType string, providerExtra map[string]string) (Adapter, error) {
	r.mu.RLock()
	f, ok := r.factories[providerType]
	r.mu.RUnlock()
	if !ok {
		return nil, cos.NewErrUnknownProviderType(providerType)
	}
	return f(mountID, providerExtra)
}
