// Package syncer implements the sync engine: full metadata
// reconciliation against a provider tree, resumable content download,
// and serial watch-event processing for a single mount.
/*
 * Uses a mutex-guarded per-job bookkeeping map, in the same shape used
 * for download-job tracking elsewhere in this codebase, and a
 * ".part"-then-rename write pattern for crash-safe content writes,
 * generalized to a provider-agnostic resumable fetch.
 */
package syncer

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/knowdisk/vfscore/cmn/cos"
	"github.com/knowdisk/vfscore/cmn/nlog"
	"github.com/knowdisk/vfscore/core/node"
	"github.com/knowdisk/vfscore/core/nodeid"
	"github.com/knowdisk/vfscore/metrics"
	"github.com/knowdisk/vfscore/provider"
	"github.com/knowdisk/vfscore/repo"
	"github.com/knowdisk/vfscore/walker"
)

const (
	PhaseIdle     = "idle"
	PhaseMetadata = "metadata"
	PhaseContent  = "content"
)

// StatusEvent reports sync phase transitions.
type StatusEvent struct {
	IsSyncing bool
	Phase     string
}

// MetadataProgressEvent reports reconciliation counts. Emitted once,
// terminally, per fullSync call, and once per watch-driven upsert.
type MetadataProgressEvent struct {
	Total, Processed, Added, Updated, Deleted int
}

// DownloadProgressEvent reports content-fetch progress for one file.
type DownloadProgressEvent struct {
	SourceRef       string
	TotalSize       int64
	DownloadedBytes int64
	DownloadPath    string
}

// Syncer reconciles and downloads the content of a single mount. One
// Syncer instance must own a given mount's content directory;
// concurrent syncers on the same mount are unsupported.
type Syncer struct {
	mountID           string
	repo              *repo.Repository
	adapter           provider.Adapter
	contentRootParent string
	syncContent       bool
	nowMs             func() int64
	metrics           *metrics.Metrics

	mu                sync.Mutex
	statusListeners   []func(StatusEvent)
	metadataListeners []func(MetadataProgressEvent)
	downloadListeners []func(DownloadProgressEvent)

	watchMu     sync.Mutex
	watchHandle *provider.Watch
	eventCh     chan provider.WatchEvent
	doneCh      chan struct{}
}

// New builds a Syncer bound to mountID, backed by r and adapter, with
// content landing under contentRootParent/mountID/...
func New(mountID string, r *repo.Repository, adapter provider.Adapter, contentRootParent string, syncContent bool) *Syncer {
	return &Syncer{
		mountID:           mountID,
		repo:              r,
		adapter:           adapter,
		contentRootParent: contentRootParent,
		syncContent:       syncContent,
		nowMs:             func() int64 { return time.Now().UnixMilli() },
	}
}

// SetMetrics attaches a collector bundle; nil disables instrumentation.
func (s *Syncer) SetMetrics(m *metrics.Metrics) { s.metrics = m }

func (s *Syncer) OnStatus(fn func(StatusEvent)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := len(s.statusListeners)
	s.statusListeners = append(s.statusListeners, fn)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if idx < len(s.statusListeners) {
			s.statusListeners[idx] = nil
		}
	}
}

func (s *Syncer) OnMetadataProgress(fn func(MetadataProgressEvent)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := len(s.metadataListeners)
	s.metadataListeners = append(s.metadataListeners, fn)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if idx < len(s.metadataListeners) {
			s.metadataListeners[idx] = nil
		}
	}
}

func (s *Syncer) OnDownloadProgress(fn func(DownloadProgressEvent)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := len(s.downloadListeners)
	s.downloadListeners = append(s.downloadListeners, fn)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if idx < len(s.downloadListeners) {
			s.downloadListeners[idx] = nil
		}
	}
}

func (s *Syncer) broadcastStatus(ev StatusEvent) {
	s.mu.Lock()
	listeners := append([]func(StatusEvent){}, s.statusListeners...)
	s.mu.Unlock()
	for _, l := range listeners {
		if l == nil {
			continue
		}
		safeCall(func() { l(ev) })
	}
}

func (s *Syncer) broadcastMetadataProgress(ev MetadataProgressEvent) {
	s.mu.Lock()
	listeners := append([]func(MetadataProgressEvent){}, s.metadataListeners...)
	s.mu.Unlock()
	for _, l := range listeners {
		if l == nil {
			continue
		}
		safeCall(func() { l(ev) })
	}
}

func (s *Syncer) broadcastDownloadProgress(ev DownloadProgressEvent) {
	s.mu.Lock()
	listeners := append([]func(DownloadProgressEvent){}, s.downloadListeners...)
	s.mu.Unlock()
	for _, l := range listeners {
		if l == nil {
			continue
		}
		safeCall(func() { l(ev) })
	}
}

func safeCall(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			nlog.Errorf("sync event listener panicked: %v", p)
		}
	}()
	fn()
}

// parentNodeID derives the deterministic nodeId of the enclosing
// node: the mount root when parentSourceRef is nil, otherwise the
// node addressed by that sourceRef.
func (s *Syncer) parentNodeID(parentSourceRef *string) string {
	ref := ""
	if parentSourceRef != nil {
		ref = *parentSourceRef
	}
	return nodeid.CreateNodeId(s.mountID, ref)
}

func (s *Syncer) finalPathFor(sourceRef string) string {
	return filepath.Join(s.contentRootParent, s.mountID, filepath.FromSlash(sourceRef))
}

// FullSync walks the provider tree, reconciles it against the
// repository's view of the mount (add/update/delete), and — if the
// mount syncs content — downloads every file's bytes.
func (s *Syncer) FullSync(ctx context.Context) error {
	s.broadcastStatus(StatusEvent{IsSyncing: true, Phase: PhaseMetadata})
	defer s.broadcastStatus(StatusEvent{IsSyncing: false, Phase: PhaseIdle})
	started := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.ReconcileSeconds.Observe(time.Since(started).Seconds())
		}
	}()

	discovered, err := walker.Walk(ctx, s.adapter, walker.Options{EnrichMetadata: true})
	if err != nil {
		return err
	}
	seen := make(map[string]node.ListItem, len(discovered))
	for _, it := range discovered {
		seen[it.SourceRef] = it
	}

	existing, err := s.repo.ListNodesByMountId(ctx, s.mountID)
	if err != nil {
		return err
	}
	existingBySourceRef := make(map[string]node.Node, len(existing))
	for _, n := range existing {
		if n.Kind == node.KindMount {
			continue
		}
		existingBySourceRef[n.SourceRef] = n
	}

	now := s.nowMs()
	restart := make(map[string]struct{})
	added, updated := 0, 0
	toUpsert := make([]node.Node, 0, len(seen))

	for ref, item := range seen {
		parentID := s.parentNodeID(item.ParentSourceRef)
		prior, existed := existingBySourceRef[ref]
		if !existed {
			toUpsert = append(toUpsert, node.Node{
				NodeID: nodeid.CreateNodeId(s.mountID, ref), MountID: s.mountID,
				ParentID: &parentID, Name: item.Name, Kind: item.Kind,
				Size: item.Size, MtimeMs: item.MtimeMs, SourceRef: ref,
				ProviderVersion: item.ProviderVersion, Title: item.Title,
				CreatedAtMs: now, UpdatedAtMs: now,
			})
			added++
			continue
		}
		differs := !equalInt64Ptr(prior.Size, item.Size) ||
			!equalInt64Ptr(prior.MtimeMs, item.MtimeMs) ||
			!equalStringPtr(prior.ProviderVersion, item.ProviderVersion) ||
			prior.DeletedAtMs != nil
		next := prior
		next.Name = item.Name
		next.ParentID = &parentID
		next.Size = item.Size
		next.MtimeMs = item.MtimeMs
		next.ProviderVersion = item.ProviderVersion
		next.Title = item.Title
		next.DeletedAtMs = nil
		next.UpdatedAtMs = now
		if differs {
			if !equalStringPtr(prior.ProviderVersion, item.ProviderVersion) {
				restart[ref] = struct{}{}
			}
			updated++
		}
		toUpsert = append(toUpsert, next)
	}

	if len(toUpsert) > 0 {
		if err := s.repo.UpsertNodes(ctx, toUpsert); err != nil {
			return err
		}
	}

	var toDelete []node.Node
	for ref, n := range existingBySourceRef {
		if _, stillSeen := seen[ref]; stillSeen || n.DeletedAtMs != nil {
			continue
		}
		n.DeletedAtMs = &now
		n.UpdatedAtMs = now
		toDelete = append(toDelete, n)
	}
	if len(toDelete) > 0 {
		if err := s.repo.UpsertNodes(ctx, toDelete); err != nil {
			return err
		}
	}

	s.broadcastMetadataProgress(MetadataProgressEvent{
		Total: len(seen), Processed: len(seen), Added: added, Updated: updated, Deleted: len(toDelete),
	})

	if s.syncContent {
		s.broadcastStatus(StatusEvent{IsSyncing: true, Phase: PhaseContent})
		files := make([]node.ListItem, 0, len(seen))
		for _, it := range seen {
			if it.Kind == node.KindFile {
				files = append(files, it)
			}
		}
		if err := s.syncContentFiles(ctx, files, restart); err != nil {
			return err
		}
	}
	return nil
}

func (s *Syncer) syncContentFiles(ctx context.Context, items []node.ListItem, restart map[string]struct{}) error {
	for _, item := range items {
		if err := s.syncOneFile(ctx, item, restart); err != nil {
			return err
		}
	}
	return nil
}

// syncOneFile implements the per-file content-sync decision tree:
// restart wins over everything, a size-matching final file
// short-circuits, and anything else resumes from a .part file
// or starts fresh.
func (s *Syncer) syncOneFile(ctx context.Context, item node.ListItem, restart map[string]struct{}) error {
	finalPath := s.finalPathFor(item.SourceRef)
	partPath := finalPath + ".part"
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return err
	}

	if _, isRestart := restart[item.SourceRef]; isRestart {
		os.Remove(partPath)
		os.Remove(finalPath)
		return s.downloadWithResume(ctx, item, finalPath, partPath, 0)
	}

	if fi, err := os.Stat(finalPath); err == nil {
		if item.Size == nil {
			s.broadcastDownloadProgress(DownloadProgressEvent{SourceRef: item.SourceRef, DownloadedBytes: fi.Size(), DownloadPath: finalPath})
			return nil
		}
		if fi.Size() == *item.Size {
			s.broadcastDownloadProgress(DownloadProgressEvent{SourceRef: item.SourceRef, TotalSize: *item.Size, DownloadedBytes: fi.Size(), DownloadPath: finalPath})
			return nil
		}
		os.Remove(finalPath)
	}

	var startOffset int64
	if fi, err := os.Stat(partPath); err == nil {
		startOffset = fi.Size()
		if item.Size != nil && startOffset > *item.Size {
			os.Truncate(partPath, 0)
			startOffset = 0
		}
	}
	return s.downloadWithResume(ctx, item, finalPath, partPath, startOffset)
}

func (s *Syncer) downloadWithResume(ctx context.Context, item node.ListItem, finalPath, partPath string, startOffset int64) error {
	return s.downloadAttempt(ctx, item, finalPath, partPath, startOffset, false)
}

// downloadAttempt fetches item's bytes starting at startOffset and
// promotes the .part file to finalPath on success. Any failure while
// resuming (startOffset > 0) is retried exactly once from scratch;
// a second failure surfaces the error.
func (s *Syncer) downloadAttempt(ctx context.Context, item node.ListItem, finalPath, partPath string, startOffset int64, retried bool) error {
	retryFromScratch := func(cause error) error {
		if startOffset > 0 && !retried {
			os.Remove(partPath)
			if s.metrics != nil {
				s.metrics.DownloadRetries.Inc()
			}
			return s.downloadAttempt(ctx, item, finalPath, partPath, 0, true)
		}
		return cause
	}

	var offsetArg *int64
	if startOffset > 0 {
		offsetArg = &startOffset
	}
	rc, err := s.adapter.CreateReadStream(ctx, provider.ReadStreamArgs{ID: item.SourceRef, Offset: offsetArg})
	if err != nil {
		return retryFromScratch(err)
	}
	defer rc.Close()

	flag := os.O_CREATE | os.O_WRONLY
	if startOffset > 0 {
		flag |= os.O_APPEND
	} else {
		flag |= os.O_TRUNC
	}
	f, err := os.OpenFile(partPath, flag, 0o644)
	if err != nil {
		return retryFromScratch(err)
	}

	loaded, copyErr := s.copyWithProgress(f, rc, item, startOffset)
	closeErr := f.Close()
	if copyErr != nil {
		return retryFromScratch(copyErr)
	}
	if closeErr != nil {
		return retryFromScratch(closeErr)
	}

	total := startOffset + loaded
	if item.Size != nil && total < *item.Size {
		return retryFromScratch(cos.NewErrIncompleteDownload(item.SourceRef, total, *item.Size))
	}

	if err := os.Rename(partPath, finalPath); err != nil {
		return retryFromScratch(err)
	}
	var totalSize int64
	if item.Size != nil {
		totalSize = *item.Size
	} else {
		totalSize = total
	}
	s.broadcastDownloadProgress(DownloadProgressEvent{SourceRef: item.SourceRef, TotalSize: totalSize, DownloadedBytes: total, DownloadPath: finalPath})
	return nil
}

func (s *Syncer) copyWithProgress(dst *os.File, src io.Reader, item node.ListItem, startOffset int64) (int64, error) {
	buf := make([]byte, 32*1024)
	var loaded int64
	var totalSize int64
	if item.Size != nil {
		totalSize = *item.Size
	}
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return loaded, werr
			}
			loaded += int64(n)
			if s.metrics != nil {
				s.metrics.BytesDownloaded.Add(float64(n))
			}
			s.broadcastDownloadProgress(DownloadProgressEvent{
				SourceRef: item.SourceRef, TotalSize: totalSize,
				DownloadedBytes: startOffset + loaded, DownloadPath: dst.Name(),
			})
		}
		if rerr == io.EOF {
			return loaded, nil
		}
		if rerr != nil {
			return loaded, rerr
		}
	}
}

// StartWatching registers the adapter's watch (a no-op if the adapter
// doesn't support one, or if watching is already running) and begins
// processing delivered events on a dedicated goroutine, one at a time
// and strictly in delivery order.
func (s *Syncer) StartWatching(ctx context.Context) error {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.watchHandle != nil {
		return nil
	}
	if !s.adapter.Capabilities().Watch {
		return nil
	}

	eventCh := make(chan provider.WatchEvent, 256)
	handle, err := s.adapter.Watch(ctx, func(ev provider.WatchEvent) { eventCh <- ev })
	if err != nil {
		if err == provider.ErrNotSupported {
			return nil
		}
		return err
	}

	doneCh := make(chan struct{})
	s.watchHandle = handle
	s.eventCh = eventCh
	s.doneCh = doneCh
	go func() {
		defer close(doneCh)
		for ev := range eventCh {
			s.processWatchEvent(ctx, ev)
		}
	}()
	return nil
}

// StopWatching closes the adapter's watcher first so no further
// events are produced, then drains whatever was already queued before
// returning — no in-flight event is dropped.
func (s *Syncer) StopWatching() error {
	s.watchMu.Lock()
	handle := s.watchHandle
	eventCh := s.eventCh
	doneCh := s.doneCh
	s.watchHandle, s.eventCh, s.doneCh = nil, nil, nil
	s.watchMu.Unlock()

	if handle == nil {
		return nil
	}
	err := handle.Close()
	close(eventCh)
	<-doneCh
	return err
}

func (s *Syncer) processWatchEvent(ctx context.Context, ev provider.WatchEvent) {
	nodeID := nodeid.CreateNodeId(s.mountID, ev.SourceRef)
	if s.metrics != nil {
		s.metrics.ObserveWatchEvent(ev.Type)
	}

	if ev.Type == provider.EventDelete {
		prior, err := s.repo.GetNodeById(ctx, nodeID)
		if err != nil {
			nlog.Warningf("syncer: lookup %q for delete event: %v", ev.SourceRef, err)
			return
		}
		if prior == nil || prior.IsDeleted() {
			return
		}
		now := s.nowMs()
		next := *prior
		next.DeletedAtMs = &now
		next.UpdatedAtMs = now
		if err := s.repo.UpsertNodes(ctx, []node.Node{next}); err != nil {
			nlog.Warningf("syncer: tombstone %q: %v", ev.SourceRef, err)
		}
		return
	}

	item, err := s.adapter.GetMetadata(ctx, ev.SourceRef)
	if err != nil {
		nlog.Warningf("syncer: getMetadata %q: %v", ev.SourceRef, err)
		return
	}
	if item == nil {
		s.processWatchEvent(ctx, provider.WatchEvent{Type: provider.EventDelete, SourceRef: ev.SourceRef, ParentSourceRef: ev.ParentSourceRef})
		return
	}

	prior, err := s.repo.GetNodeById(ctx, nodeID)
	if err != nil {
		nlog.Warningf("syncer: lookup %q: %v", ev.SourceRef, err)
		return
	}
	now := s.nowMs()
	createdAt := now
	wasNewOrResurrected := prior == nil || prior.IsDeleted()
	if prior != nil {
		createdAt = prior.CreatedAtMs
	}
	parentID := s.parentNodeID(item.ParentSourceRef)
	next := node.Node{
		NodeID: nodeID, MountID: s.mountID, ParentID: &parentID,
		Name: item.Name, Kind: item.Kind, Size: item.Size, MtimeMs: item.MtimeMs,
		SourceRef: ev.SourceRef, ProviderVersion: item.ProviderVersion, Title: item.Title,
		CreatedAtMs: createdAt, UpdatedAtMs: now,
	}
	if err := s.repo.UpsertNodes(ctx, []node.Node{next}); err != nil {
		nlog.Warningf("syncer: upsert %q: %v", ev.SourceRef, err)
		return
	}
	added, updated := 0, 0
	if wasNewOrResurrected {
		added = 1
	} else {
		updated = 1
	}
	s.broadcastMetadataProgress(MetadataProgressEvent{Total: 1, Processed: 1, Added: added, Updated: updated})

	if !s.syncContent || next.Kind != node.KindFile {
		return
	}
	versionChanged := prior != nil && !equalStringPtr(prior.ProviderVersion, item.ProviderVersion)
	contentTouched := ev.Type == provider.EventUpdateContent ||
		wasNewOrResurrected ||
		versionChanged ||
		(prior != nil && (!equalInt64Ptr(prior.Size, item.Size) || !equalInt64Ptr(prior.MtimeMs, item.MtimeMs)))
	if !contentTouched {
		if _, statErr := os.Stat(s.finalPathFor(ev.SourceRef)); statErr == nil {
			return
		}
	}
	restart := map[string]struct{}{}
	if versionChanged {
		restart[ev.SourceRef] = struct{}{}
	}
	if err := s.syncOneFile(ctx, *item, restart); err != nil {
		nlog.Warningf("syncer: content sync %q: %v", ev.SourceRef, err)
	}
}

func equalInt64Ptr(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalStringPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
