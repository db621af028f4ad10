// Package local implements the filesystem-backed provider adapter:
// directory listing, ranged reads, metadata probes, and a recursive
// watch.
/*
 * Resolves a provider-relative ref against a root and guards against
 * escaping it, in the same path-under-root idiom used for resolving
 * on-disk object paths elsewhere in this codebase, simplified to a
 * single mount root per adapter instance.
 */
package local

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/knowdisk/vfscore/cmn/cos"
	"github.com/knowdisk/vfscore/cmn/nlog"
	"github.com/knowdisk/vfscore/core/node"
	"github.com/knowdisk/vfscore/provider"
)

const ProviderType = "local"

// Adapter is the local filesystem provider.
type Adapter struct {
	mountID string
	root    string // absolute, cleaned mount root directory
}

var _ provider.Adapter = (*Adapter)(nil)

// New builds a local adapter; providerExtra must carry a non-empty
// "directory" key.
func New(mountID string, providerExtra map[string]string) (provider.Adapter, error) {
	dir := providerExtra["directory"]
	if dir == "" {
		return nil, cos.NewErrConfigInvalid("local provider requires a non-empty %q", "directory")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, cos.NewErrConfigInvalid("cannot resolve directory %q: %v", dir, err)
	}
	return &Adapter{mountID: mountID, root: filepath.Clean(abs)}, nil
}

func (a *Adapter) Type() string { return ProviderType }

func (a *Adapter) Capabilities() provider.Capabilities { return provider.Capabilities{Watch: true} }

// resolve maps a provider sourceRef (posix-separated, relative to the
// mount root) onto an absolute filesystem path, refusing any ref that
// would resolve outside the root.
func (a *Adapter) resolve(ref string) (string, error) {
	if ref == "" {
		return a.root, nil
	}
	clean := path.Clean(ref)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", cos.NewErrPathEscape(ref)
	}
	full := filepath.Join(a.root, filepath.FromSlash(clean))
	rel, err := filepath.Rel(a.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", cos.NewErrPathEscape(ref)
	}
	return full, nil
}

func toSourceRef(parentRef *string, name string) string {
	if parentRef == nil || *parentRef == "" {
		return name
	}
	return path.Join(*parentRef, name)
}

func parentOf(sourceRef string) *string {
	idx := strings.LastIndexByte(sourceRef, '/')
	if idx < 0 {
		return nil
	}
	p := sourceRef[:idx]
	return &p
}

func (a *Adapter) listEntries(ctx context.Context, parentRef *string) ([]node.ListItem, error) {
	dir, err := a.resolve(derefOr(parentRef, ""))
	if err != nil {
		return nil, err
	}
	des, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	items := make([]node.ListItem, 0, len(des))
	for _, de := range des {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		kind := node.KindFolder
		if !de.IsDir() {
			kind = node.KindFile
		}
		li := node.ListItem{
			SourceRef:       toSourceRef(parentRef, de.Name()),
			ParentSourceRef: parentRef,
			Name:            de.Name(),
			Kind:            kind,
		}
		if kind == node.KindFile {
			size := info.Size()
			li.Size = &size
		}
		mtime := info.ModTime().UnixMilli()
		li.MtimeMs = &mtime
		items = append(items, li)
	}
	sort.SliceStable(items, func(i, j int) bool {
		ik, jk := kindRank(items[i].Kind), kindRank(items[j].Kind)
		if ik != jk {
			return ik < jk
		}
		return items[i].Name < items[j].Name
	})
	return items, nil
}

func kindRank(kind string) int {
	if kind == node.KindFile {
		return 0
	}
	return 1
}

func derefOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}

func (a *Adapter) ListChildren(ctx context.Context, args provider.ListChildrenArgs) (provider.ListChildrenResult, error) {
	items, err := a.listEntries(ctx, args.ParentRef)
	if err != nil {
		return provider.ListChildrenResult{}, err
	}
	start := 0
	if args.Cursor != nil {
		start, err = strconv.Atoi(*args.Cursor)
		if err != nil || start < 0 {
			return provider.ListChildrenResult{}, cos.NewErrMalformedCursor("local provider cursor must be a non-negative integer")
		}
	}
	if start > len(items) {
		start = len(items)
	}
	end := start + args.Limit
	if end > len(items) {
		end = len(items)
	}
	page := items[start:end]
	var next *string
	if end < len(items) {
		tok := strconv.Itoa(end)
		next = &tok
	}
	return provider.ListChildrenResult{Items: page, NextCursor: next}, nil
}

func (a *Adapter) CreateReadStream(_ context.Context, args provider.ReadStreamArgs) (io.ReadCloser, error) {
	full, err := a.resolve(args.ID)
	if err != nil {
		return nil, err
	}
	if args.Offset != nil && *args.Offset < 0 {
		return nil, cos.NewErrInvalidRange(derefOrZero(args.Offset), derefOrZero(args.Length))
	}
	if args.Length != nil && *args.Length <= 0 {
		return nil, cos.NewErrInvalidRange(derefOrZero(args.Offset), derefOrZero(args.Length))
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, err
	}
	var offset int64
	if args.Offset != nil {
		offset = *args.Offset
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
	}
	if args.Length != nil {
		return &limitedReadCloser{r: io.LimitReader(f, *args.Length), c: f}, nil
	}
	return f, nil
}

func derefOrZero(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

type limitedReadCloser struct {
	r io.Reader
	c io.Closer
}

func (l *limitedReadCloser) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *limitedReadCloser) Close() error               { return l.c.Close() }

func (a *Adapter) GetMetadata(_ context.Context, sourceRef string) (*node.ListItem, error) {
	full, err := a.resolve(sourceRef)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	kind := node.KindFolder
	if !info.IsDir() {
		kind = node.KindFile
	}
	li := &node.ListItem{
		SourceRef:       sourceRef,
		ParentSourceRef: parentOf(sourceRef),
		Name:            path.Base(sourceRef),
		Kind:            kind,
	}
	if kind == node.KindFile {
		size := info.Size()
		li.Size = &size
	}
	mtime := info.ModTime().UnixMilli()
	li.MtimeMs = &mtime
	return li, nil
}

func (a *Adapter) Watch(ctx context.Context, onEvent func(provider.WatchEvent)) (*provider.Watch, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	watched := make(map[string]struct{})
	var mu sync.Mutex

	var addRecursive func(dir string) error
	addRecursive = func(dir string) error {
		mu.Lock()
		if _, ok := watched[dir]; ok {
			mu.Unlock()
			return nil
		}
		watched[dir] = struct{}{}
		mu.Unlock()
		if err := w.Add(dir); err != nil {
			return err
		}
		des, err := os.ReadDir(dir)
		if err != nil {
			return nil //nolint:nilerr // best-effort: directory may have raced out from under us
		}
		for _, de := range des {
			if de.IsDir() {
				if err := addRecursive(filepath.Join(dir, de.Name())); err != nil {
					nlog.Warningf("watch: failed to add %s: %v", filepath.Join(dir, de.Name()), err)
				}
			}
		}
		return nil
	}
	// initial scan registers watches but must not itself emit events
	if err := addRecursive(a.root); err != nil {
		w.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				a.handleFsEvent(ev, w, &mu, watched, addRecursive, onEvent)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				nlog.Warningf("watch error on mount %s: %v", a.mountID, err)
			}
		}
	}()

	return &provider.Watch{Close: func() error {
		err := w.Close()
		<-done
		return err
	}}, nil
}

func (a *Adapter) handleFsEvent(ev fsnotify.Event, w *fsnotify.Watcher, mu *sync.Mutex, watched map[string]struct{},
	addRecursive func(string) error, onEvent func(provider.WatchEvent)) {
	rel, err := filepath.Rel(a.root, ev.Name)
	if err != nil {
		return
	}
	ref := filepath.ToSlash(rel)

	switch {
	case ev.Op&fsnotify.Create != 0:
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := addRecursive(ev.Name); err != nil {
				nlog.Warningf("watch: failed to add new dir %s: %v", ev.Name, err)
			}
		}
		onEvent(provider.WatchEvent{Type: provider.EventAdd, SourceRef: ref, ParentSourceRef: parentOf(ref)})
	case ev.Op&fsnotify.Write != 0:
		onEvent(provider.WatchEvent{Type: provider.EventUpdateContent, SourceRef: ref, ParentSourceRef: parentOf(ref)})
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		mu.Lock()
		delete(watched, ev.Name)
		mu.Unlock()
		onEvent(provider.WatchEvent{Type: provider.EventDelete, SourceRef: ref, ParentSourceRef: parentOf(ref)})
	}
}
