package integration

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/disintegrate-es/disintegrate/pkg/disintegrate"
)

var _ = Describe("Snapshot cache", func() {
	var snapshots *disintegrate.SnapshotStore

	BeforeEach(func() {
		Expect(truncateAll(ctx)).To(Succeed())
		snapshots = disintegrate.NewSnapshotStore(pool)
	})

	appendSubscription := func(courseID, studentID string) {
		encoded, err := newCodec().Encode(&studentSubscribed{CourseID: courseID, StudentID: studentID})
		Expect(err).NotTo(HaveOccurred())
		_, err = store.Append(ctx, []disintegrate.Event{encoded}, nil, 0)
		Expect(err).NotTo(HaveOccurred())
	}

	snapshotCount := func() int {
		var n int
		Expect(pool.QueryRow(ctx, `SELECT COUNT(*) FROM snapshot`).Scan(&n)).To(Succeed())
		return n
	}

	It("hydrates to the same state with and without a snapshot", func() {
		appendSubscription("c1", "s1")
		appendSubscription("c1", "s2")

		plain, err := disintegrate.NewHydrator(store).Hydrate(ctx, courseView("c1"))
		Expect(err).NotTo(HaveOccurred())

		cached := disintegrate.NewHydrator(store).WithSnapshots(snapshots, 1)
		first, err := cached.Hydrate(ctx, courseView("c1"))
		Expect(err).NotTo(HaveOccurred())
		Expect(snapshotCount()).To(Equal(1))

		// The second hydration starts from the snapshot.
		second, err := cached.Hydrate(ctx, courseView("c1"))
		Expect(err).NotTo(HaveOccurred())

		Expect(first.State("course")).To(Equal(plain.State("course")))
		Expect(second.State("course")).To(Equal(plain.State("course")))
		Expect(second.Version).To(Equal(plain.Version))
	})

	It("folds only the gap past the snapshot version", func() {
		appendSubscription("c1", "s1")

		cached := disintegrate.NewHydrator(store).WithSnapshots(snapshots, 1)
		first, err := cached.Hydrate(ctx, courseView("c1"))
		Expect(err).NotTo(HaveOccurred())

		appendSubscription("c1", "s2")
		second, err := cached.Hydrate(ctx, courseView("c1"))
		Expect(err).NotTo(HaveOccurred())

		Expect(second.Version).To(BeNumerically(">", first.Version))
		Expect(second.State("course").(courseState).Students).To(Equal([]string{"s1", "s2"}))
	})

	It("ignores snapshots once the query changes shape", func() {
		appendSubscription("c1", "s1")

		cached := disintegrate.NewHydrator(store).WithSnapshots(snapshots, 1)
		_, err := cached.Hydrate(ctx, courseView("c1"))
		Expect(err).NotTo(HaveOccurred())
		Expect(snapshotCount()).To(Equal(1))

		// A structurally different query has a different fingerprint, so
		// hydration replays from scratch and writes its own snapshot.
		wider := courseView("c1")
		wider.Query = disintegrate.Union(wider.Query,
			disintegrate.QueryStream(couponStream, disintegrate.Eq("coupon_id", "x")))

		hydrated, err := cached.Hydrate(ctx, wider)
		Expect(err).NotTo(HaveOccurred())
		Expect(hydrated.State("course").(courseState).Students).To(Equal([]string{"s1"}))
		Expect(snapshotCount()).To(Equal(2))
	})

	It("treats an undecodable snapshot as a miss", func() {
		appendSubscription("c1", "s1")

		view := courseView("c1")
		fingerprint := disintegrate.Fingerprint(view.Query)
		Expect(snapshots.Store(ctx, fingerprint, "course", []byte("corrupted"), 1)).To(Succeed())

		hydrated, err := disintegrate.NewHydrator(store).
			WithSnapshots(snapshots, 1).
			Hydrate(ctx, view)
		Expect(err).NotTo(HaveOccurred())
		Expect(hydrated.State("course").(courseState).Students).To(Equal([]string{"s1"}))
	})

	It("purges snapshots administratively", func() {
		appendSubscription("c1", "s1")

		cached := disintegrate.NewHydrator(store).WithSnapshots(snapshots, 1)
		view := courseView("c1")
		_, err := cached.Hydrate(ctx, view)
		Expect(err).NotTo(HaveOccurred())
		Expect(snapshotCount()).To(Equal(1))

		Expect(snapshots.Purge(ctx, disintegrate.Fingerprint(view.Query))).To(Succeed())
		Expect(snapshotCount()).To(Equal(0))
	})

	It("keeps the newest version on racing writes", func() {
		fingerprint := "deadbeef"
		Expect(snapshots.Store(ctx, fingerprint, "view", []byte(`{"a":1}`), 10)).To(Succeed())
		Expect(snapshots.Store(ctx, fingerprint, "view", []byte(`{"a":0}`), 5)).To(Succeed())

		payload, version, ok, err := snapshots.Load(ctx, fingerprint)
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())
		Expect(version).To(Equal(int64(10)))
		Expect(string(payload)).To(Equal(`{"a":1}`))
	})
})
