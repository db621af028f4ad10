package repo_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/knowdisk/vfscore/core/node"
	"github.com/knowdisk/vfscore/repo"
)

func ptr[T any](v T) *T { return &v }

var _ = Describe("Repository", func() {
	var (
		ctx context.Context
		r   *repo.Repository
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		r, err = repo.Open(":memory:")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(r.Close()).To(Succeed())
	})

	Describe("UpsertNodes / GetNodeById", func() {
		It("round-trips a node", func() {
			n := node.Node{
				NodeID: "n1", MountID: "m1", Name: "a.txt", Kind: node.KindFile,
				Size: ptr(int64(5)), SourceRef: "a.txt", CreatedAtMs: 1, UpdatedAtMs: 1,
			}
			Expect(r.UpsertNodes(ctx, []node.Node{n})).To(Succeed())

			got, err := r.GetNodeById(ctx, "n1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got).NotTo(BeNil())
			Expect(got.Name).To(Equal("a.txt"))
			Expect(*got.Size).To(Equal(int64(5)))
		})

		It("broadcasts a change event with the correct prev/next", func() {
			var got []repo.ChangeEvent
			unsub := r.SubscribeNodeChanges(func(ev repo.ChangeEvent) { got = append(got, ev) })
			defer unsub()

			n := node.Node{NodeID: "n1", MountID: "m1", Name: "a.txt", Kind: node.KindFile, SourceRef: "a.txt", CreatedAtMs: 1, UpdatedAtMs: 1}
			Expect(r.UpsertNodes(ctx, []node.Node{n})).To(Succeed())
			Expect(got).To(HaveLen(1))
			Expect(got[0].Prev).To(BeNil())
			Expect(got[0].Next.NodeID).To(Equal("n1"))

			n.Name = "b.txt"
			n.UpdatedAtMs = 2
			Expect(r.UpsertNodes(ctx, []node.Node{n})).To(Succeed())
			Expect(got).To(HaveLen(2))
			Expect(got[1].Prev).NotTo(BeNil())
			Expect(got[1].Prev.Name).To(Equal("a.txt"))
			Expect(got[1].Next.Name).To(Equal("b.txt"))
		})

		It("does not let a panicking listener block other listeners", func() {
			calledSecond := false
			unsub1 := r.SubscribeNodeChanges(func(repo.ChangeEvent) { panic("boom") })
			defer unsub1()
			unsub2 := r.SubscribeNodeChanges(func(repo.ChangeEvent) { calledSecond = true })
			defer unsub2()

			n := node.Node{NodeID: "n1", MountID: "m1", Name: "a.txt", Kind: node.KindFile, SourceRef: "a.txt", CreatedAtMs: 1, UpdatedAtMs: 1}
			Expect(r.UpsertNodes(ctx, []node.Node{n})).To(Succeed())
			Expect(calledSecond).To(BeTrue())
		})
	})

	Describe("ListChildrenPageLocal", func() {
		BeforeEach(func() {
			rows := []node.Node{
				{NodeID: "id-a", MountID: "m1", ParentID: ptr("p"), Name: "a", Kind: node.KindFile, SourceRef: "a", CreatedAtMs: 1, UpdatedAtMs: 1},
				{NodeID: "id-b", MountID: "m1", ParentID: ptr("p"), Name: "b", Kind: node.KindFile, SourceRef: "b", CreatedAtMs: 1, UpdatedAtMs: 1},
				{NodeID: "id-c", MountID: "m1", ParentID: ptr("p"), Name: "c", Kind: node.KindFile, SourceRef: "c", CreatedAtMs: 1, UpdatedAtMs: 1},
				{NodeID: "id-d", MountID: "m1", ParentID: ptr("other"), Name: "d", Kind: node.KindFile, SourceRef: "d", CreatedAtMs: 1, UpdatedAtMs: 1},
			}
			Expect(r.UpsertNodes(ctx, rows)).To(Succeed())
		})

		It("returns at most limit items and a nextCursor iff one more row exists", func() {
			items, next, err := r.ListChildrenPageLocal(ctx, repo.ListChildrenPageParams{
				MountID: ptr("m1"), ParentID: ptr("p"), Limit: 2,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(items).To(HaveLen(2))
			Expect(items[0].Name).To(Equal("a"))
			Expect(items[1].Name).To(Equal("b"))
			Expect(next).NotTo(BeNil())
		})

		It("continues from a prior page's cursor and terminates with no nextCursor", func() {
			firstItems, next, err := r.ListChildrenPageLocal(ctx, repo.ListChildrenPageParams{
				MountID: ptr("m1"), ParentID: ptr("p"), Limit: 2,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(next).NotTo(BeNil())

			lastItems, next2, err := r.ListChildrenPageLocal(ctx, repo.ListChildrenPageParams{
				MountID: ptr("m1"), ParentID: ptr("p"), Limit: 2,
				AfterName: firstItems[len(firstItems)-1].Name, AfterNodeID: firstItems[len(firstItems)-1].NodeID,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(lastItems).To(HaveLen(1))
			Expect(lastItems[0].Name).To(Equal("c"))
			Expect(next2).To(BeNil())
		})

		It("excludes soft-deleted rows", func() {
			deleted := node.Node{NodeID: "id-a", MountID: "m1", ParentID: ptr("p"), Name: "a", Kind: node.KindFile, SourceRef: "a", DeletedAtMs: ptr(int64(99)), CreatedAtMs: 1, UpdatedAtMs: 2}
			Expect(r.UpsertNodes(ctx, []node.Node{deleted})).To(Succeed())

			items, _, err := r.ListChildrenPageLocal(ctx, repo.ListChildrenPageParams{MountID: ptr("m1"), ParentID: ptr("p"), Limit: 10})
			Expect(err).NotTo(HaveOccurred())
			names := make([]string, len(items))
			for i, it := range items {
				names[i] = it.Name
			}
			Expect(names).To(Equal([]string{"b", "c"}))
		})
	})

	Describe("page cache", func() {
		It("returns a row only while expiresAtMs > now", func() {
			key := repo.BuildCacheKey("m1", "p", "", 10)
			Expect(r.UpsertPageCache(ctx, repo.PageCacheRow{CacheKey: key, ItemsJSON: "[]", ExpiresAtMs: 1000})).To(Succeed())

			fresh, err := r.GetPageCacheIfFresh(ctx, key, 999)
			Expect(err).NotTo(HaveOccurred())
			Expect(fresh).NotTo(BeNil())

			stale, err := r.GetPageCacheIfFresh(ctx, key, 1000)
			Expect(err).NotTo(HaveOccurred())
			Expect(stale).To(BeNil())
		})

		It("deletes all cache rows for a mount", func() {
			Expect(r.UpsertPageCache(ctx, repo.PageCacheRow{CacheKey: repo.BuildCacheKey("m1", "p", "", 10), ItemsJSON: "[]", ExpiresAtMs: 1000})).To(Succeed())
			Expect(r.UpsertPageCache(ctx, repo.PageCacheRow{CacheKey: repo.BuildCacheKey("m2", "p", "", 10), ItemsJSON: "[]", ExpiresAtMs: 1000})).To(Succeed())

			Expect(r.DeletePageCacheByMountId(ctx, "m1")).To(Succeed())

			gone, _ := r.GetPageCacheIfFresh(ctx, repo.BuildCacheKey("m1", "p", "", 10), 0)
			Expect(gone).To(BeNil())
			still, _ := r.GetPageCacheIfFresh(ctx, repo.BuildCacheKey("m2", "p", "", 10), 0)
			Expect(still).NotTo(BeNil())
		})
	})

	Describe("mount ext", func() {
		It("round-trips provider extra as JSON", func() {
			mc := node.MountConfig{
				NodeID: "root1", MountID: "m1", ProviderType: "local",
				ProviderExtra: map[string]string{"directory": "/tmp/x"},
				SyncMetadata:  true, MetadataTTLSec: 60, ReconcileIntervalMs: 1000,
				CreatedAtMs: 1, UpdatedAtMs: 1,
			}
			Expect(r.UpsertMountExt(ctx, mc)).To(Succeed())

			got, err := r.GetMountExtByMountId(ctx, "m1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got).NotTo(BeNil())
			Expect(got.ProviderExtra["directory"]).To(Equal("/tmp/x"))

			Expect(r.DeleteMountExtByMountId(ctx, "m1")).To(Succeed())
			got2, err := r.GetMountExtByMountId(ctx, "m1")
			Expect(err).NotTo(HaveOccurred())
			Expect(got2).To(BeNil())
		})
	})
})
