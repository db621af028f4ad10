package syncer_test

import (
	"bytes"
	"context"
	"io"

	"github.com/knowdisk/vfscore/core/node"
	"github.com/knowdisk/vfscore/provider"
)

// fakeAdapter is an in-memory provider.Adapter double for syncer
// tests: a fixed one-level tree, byte content keyed by sourceRef, and
// an injectable watch emitter.
type fakeAdapter struct {
	children       []node.ListItem
	content        map[string][]byte
	metadata       map[string]*node.ListItem
	watchSupported bool

	readStreamCalls map[string]int
	onWatch         func(onEvent func(provider.WatchEvent)) (*provider.Watch, error)
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		content:         map[string][]byte{},
		metadata:        map[string]*node.ListItem{},
		readStreamCalls: map[string]int{},
	}
}

func (f *fakeAdapter) Type() string { return "fake" }

func (f *fakeAdapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{Watch: f.watchSupported}
}

func (f *fakeAdapter) ListChildren(_ context.Context, args provider.ListChildrenArgs) (provider.ListChildrenResult, error) {
	var out []node.ListItem
	for _, it := range f.children {
		switch {
		case args.ParentRef == nil && it.ParentSourceRef == nil:
			out = append(out, it)
		case args.ParentRef != nil && it.ParentSourceRef != nil && *it.ParentSourceRef == *args.ParentRef:
			out = append(out, it)
		}
	}
	return provider.ListChildrenResult{Items: out}, nil
}

func (f *fakeAdapter) CreateReadStream(_ context.Context, args provider.ReadStreamArgs) (io.ReadCloser, error) {
	f.readStreamCalls[args.ID]++
	data, ok := f.content[args.ID]
	if !ok {
		return nil, provider.ErrNotSupported
	}
	offset := int64(0)
	if args.Offset != nil {
		offset = *args.Offset
	}
	return io.NopCloser(bytes.NewReader(data[offset:])), nil
}

func (f *fakeAdapter) GetMetadata(_ context.Context, sourceRef string) (*node.ListItem, error) {
	if it, ok := f.metadata[sourceRef]; ok {
		return it, nil
	}
	return nil, nil
}

func (f *fakeAdapter) Watch(_ context.Context, onEvent func(provider.WatchEvent)) (*provider.Watch, error) {
	if f.onWatch != nil {
		return f.onWatch(onEvent)
	}
	return nil, provider.ErrNotSupported
}
