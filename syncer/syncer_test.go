package syncer_test

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/knowdisk/vfscore/core/node"
	"github.com/knowdisk/vfscore/core/nodeid"
	"github.com/knowdisk/vfscore/provider"
	"github.com/knowdisk/vfscore/repo"
	"github.com/knowdisk/vfscore/syncer"
)

func ptr[T any](v T) *T { return &v }

var _ = Describe("Syncer", func() {
	var (
		ctx     context.Context
		r       *repo.Repository
		mountID string
		tmpDir  string
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		r, err = repo.Open(":memory:")
		Expect(err).NotTo(HaveOccurred())
		mountID = "m1"
		tmpDir, err = os.MkdirTemp("", "syncer-content-*")
		Expect(err).NotTo(HaveOccurred())
		rootID := nodeid.CreateNodeId(mountID, "")
		Expect(r.UpsertNodes(ctx, []node.Node{{
			NodeID: rootID, MountID: mountID, Kind: node.KindMount, Name: mountID, SourceRef: "",
			CreatedAtMs: 1, UpdatedAtMs: 1,
		}})).To(Succeed())
	})

	AfterEach(func() {
		Expect(r.Close()).To(Succeed())
		os.RemoveAll(tmpDir)
	})

	Describe("FullSync", func() {
		It("classifies add/update/delete against a prior snapshot", func() {
			legacyID := nodeid.CreateNodeId(mountID, "legacy.txt")
			Expect(r.UpsertNodes(ctx, []node.Node{{
				NodeID: legacyID, MountID: mountID, Name: "legacy.txt", Kind: node.KindFile,
				SourceRef: "legacy.txt", Size: ptr(int64(1)), CreatedAtMs: 1, UpdatedAtMs: 1,
			}})).To(Succeed())

			a := newFakeAdapter()
			a.children = []node.ListItem{
				{SourceRef: "a.txt", Name: "a.txt", Kind: node.KindFile, Size: ptr(int64(0))},
				{SourceRef: "b.txt", Name: "b.txt", Kind: node.KindFile, Size: ptr(int64(2))},
			}
			a.metadata["a.txt"] = &node.ListItem{SourceRef: "a.txt", Name: "a.txt", Kind: node.KindFile, Size: ptr(int64(5))}

			sy := syncer.New(mountID, r, a, tmpDir, false)
			before := time.Now().UnixMilli()
			Expect(sy.FullSync(ctx)).To(Succeed())
			after := time.Now().UnixMilli()

			aNode, err := r.GetNodeById(ctx, nodeid.CreateNodeId(mountID, "a.txt"))
			Expect(err).NotTo(HaveOccurred())
			Expect(*aNode.Size).To(Equal(int64(5)))

			bNode, err := r.GetNodeById(ctx, nodeid.CreateNodeId(mountID, "b.txt"))
			Expect(err).NotTo(HaveOccurred())
			Expect(*bNode.Size).To(Equal(int64(2)))

			legacy, err := r.GetNodeById(ctx, legacyID)
			Expect(err).NotTo(HaveOccurred())
			Expect(legacy.DeletedAtMs).NotTo(BeNil())
			Expect(*legacy.DeletedAtMs).To(BeNumerically(">=", before))
			Expect(*legacy.DeletedAtMs).To(BeNumerically("<=", after))

			root, err := r.GetNodeById(ctx, nodeid.CreateNodeId(mountID, ""))
			Expect(err).NotTo(HaveOccurred())
			Expect(root.DeletedAtMs).To(BeNil())
		})

		It("emits a terminal metadata_progress and idle status", func() {
			var progress []syncer.MetadataProgressEvent
			var statuses []syncer.StatusEvent

			a := newFakeAdapter()
			a.children = []node.ListItem{{SourceRef: "a.txt", Name: "a.txt", Kind: node.KindFile, Size: ptr(int64(1))}}

			sy := syncer.New(mountID, r, a, tmpDir, false)
			sy.OnMetadataProgress(func(ev syncer.MetadataProgressEvent) { progress = append(progress, ev) })
			sy.OnStatus(func(ev syncer.StatusEvent) { statuses = append(statuses, ev) })

			Expect(sy.FullSync(ctx)).To(Succeed())
			Expect(progress).To(HaveLen(1))
			Expect(progress[0].Added).To(Equal(1))
			Expect(statuses[0]).To(Equal(syncer.StatusEvent{IsSyncing: true, Phase: syncer.PhaseMetadata}))
			Expect(statuses[len(statuses)-1]).To(Equal(syncer.StatusEvent{IsSyncing: false, Phase: syncer.PhaseIdle}))
		})
	})

	Describe("content download", func() {
		It("resumes from an existing .part file without re-fetching bytes already on disk", func() {
			a := newFakeAdapter()
			a.children = []node.ListItem{{SourceRef: "f.txt", Name: "f.txt", Kind: node.KindFile, Size: ptr(int64(6))}}
			a.content["f.txt"] = []byte("abcdef")

			partPath := filepath.Join(tmpDir, mountID, "f.txt.part")
			Expect(os.MkdirAll(filepath.Dir(partPath), 0o755)).To(Succeed())
			Expect(os.WriteFile(partPath, []byte("abc"), 0o644)).To(Succeed())

			sy := syncer.New(mountID, r, a, tmpDir, true)
			Expect(sy.FullSync(ctx)).To(Succeed())

			Expect(a.readStreamCalls["f.txt"]).To(Equal(1))
			finalPath := filepath.Join(tmpDir, mountID, "f.txt")
			got, err := os.ReadFile(finalPath)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(got)).To(Equal("abcdef"))
			_, err = os.Stat(partPath)
			Expect(os.IsNotExist(err)).To(BeTrue())
		})

		It("short-circuits when the final file already matches the known size", func() {
			a := newFakeAdapter()
			a.children = []node.ListItem{{SourceRef: "f.txt", Name: "f.txt", Kind: node.KindFile, Size: ptr(int64(3))}}
			a.content["f.txt"] = []byte("xyz")

			finalPath := filepath.Join(tmpDir, mountID, "f.txt")
			Expect(os.MkdirAll(filepath.Dir(finalPath), 0o755)).To(Succeed())
			Expect(os.WriteFile(finalPath, []byte("xyz"), 0o644)).To(Succeed())

			sy := syncer.New(mountID, r, a, tmpDir, true)
			Expect(sy.FullSync(ctx)).To(Succeed())
			Expect(a.readStreamCalls["f.txt"]).To(Equal(0))
		})
	})

	Describe("watch events", func() {
		It("soft-deletes a node on a delete event and no-ops on a repeat", func() {
			fID := nodeid.CreateNodeId(mountID, "f.txt")
			Expect(r.UpsertNodes(ctx, []node.Node{{
				NodeID: fID, MountID: mountID, Name: "f.txt", Kind: node.KindFile,
				SourceRef: "f.txt", Size: ptr(int64(3)), CreatedAtMs: 1, UpdatedAtMs: 1,
			}})).To(Succeed())

			a := newFakeAdapter()
			a.watchSupported = true
			var captured func(provider.WatchEvent)
			a.onWatch = func(onEvent func(provider.WatchEvent)) (*provider.Watch, error) {
				captured = onEvent
				return &provider.Watch{Close: func() error { return nil }}, nil
			}

			sy := syncer.New(mountID, r, a, tmpDir, false)
			Expect(sy.StartWatching(ctx)).To(Succeed())
			captured(provider.WatchEvent{Type: provider.EventDelete, SourceRef: "f.txt"})

			Eventually(func() bool {
				n, _ := r.GetNodeById(ctx, fID)
				return n != nil && n.IsDeleted()
			}, time.Second).Should(BeTrue())
			first, err := r.GetNodeById(ctx, fID)
			Expect(err).NotTo(HaveOccurred())

			captured(provider.WatchEvent{Type: provider.EventDelete, SourceRef: "f.txt"})
			Expect(sy.StopWatching()).To(Succeed())

			again, err := r.GetNodeById(ctx, fID)
			Expect(err).NotTo(HaveOccurred())
			Expect(again.DeletedAtMs).NotTo(BeNil())
			Expect(*again.DeletedAtMs).To(Equal(*first.DeletedAtMs))
			Expect(again.UpdatedAtMs).To(Equal(first.UpdatedAtMs))
		})

		It("re-downloads from offset 0 when a watch event reports a new providerVersion", func() {
			fID := nodeid.CreateNodeId(mountID, "f.txt")
			Expect(r.UpsertNodes(ctx, []node.Node{{
				NodeID: fID, MountID: mountID, Name: "f.txt", Kind: node.KindFile,
				SourceRef: "f.txt", Size: ptr(int64(3)), ProviderVersion: ptr("v1"),
				CreatedAtMs: 1, UpdatedAtMs: 1,
			}})).To(Succeed())
			finalPath := filepath.Join(tmpDir, mountID, "f.txt")
			Expect(os.MkdirAll(filepath.Dir(finalPath), 0o755)).To(Succeed())
			Expect(os.WriteFile(finalPath, []byte("old"), 0o644)).To(Succeed())

			a := newFakeAdapter()
			a.watchSupported = true
			a.content["f.txt"] = []byte("new")
			a.metadata["f.txt"] = &node.ListItem{SourceRef: "f.txt", Name: "f.txt", Kind: node.KindFile, Size: ptr(int64(3)), ProviderVersion: ptr("v2")}
			var captured func(provider.WatchEvent)
			a.onWatch = func(onEvent func(provider.WatchEvent)) (*provider.Watch, error) {
				captured = onEvent
				return &provider.Watch{Close: func() error { return nil }}, nil
			}

			sy := syncer.New(mountID, r, a, tmpDir, true)
			Expect(sy.StartWatching(ctx)).To(Succeed())
			captured(provider.WatchEvent{Type: provider.EventUpdateContent, SourceRef: "f.txt"})

			Eventually(func() string {
				got, _ := os.ReadFile(finalPath)
				return string(got)
			}, time.Second).Should(Equal("new"))

			Expect(sy.StopWatching()).To(Succeed())
		})
	})
})
