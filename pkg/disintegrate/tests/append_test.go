package integration

import (
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/disintegrate-es/disintegrate/pkg/disintegrate"
)

var _ = Describe("Append protocol", func() {
	BeforeEach(func() {
		Expect(truncateAll(ctx)).To(Succeed())
	})

	makeEvent := func(de disintegrate.DomainEvent) disintegrate.Event {
		encoded, err := newCodec().Encode(de)
		Expect(err).NotTo(HaveOccurred())
		return encoded
	}

	courseQuery := func(courseID string) disintegrate.StreamQuery {
		return disintegrate.QueryStream(courseStream, disintegrate.Eq("course_id", courseID))
	}

	It("assigns strictly increasing event ids in append order", func() {
		first, err := store.Append(ctx, []disintegrate.Event{
			makeEvent(&courseCreated{CourseID: "c1", Seats: 10}),
			makeEvent(&studentSubscribed{CourseID: "c1", StudentID: "s1"}),
		}, nil, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(first).To(HaveLen(2))
		Expect(first[0].ID).To(BeNumerically("<", first[1].ID))

		second, err := store.Append(ctx, []disintegrate.Event{
			makeEvent(&studentSubscribed{CourseID: "c1", StudentID: "s2"}),
		}, nil, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(second[0].ID).To(BeNumerically(">", first[1].ID))

		events, err := store.Scan(ctx, courseQuery("c1"), 0, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(3))
		for i := 1; i < len(events); i++ {
			Expect(events[i-1].ID).To(BeNumerically("<", events[i].ID))
		}
	})

	It("rejects an append whose validation query matches a newer event", func() {
		_, err := store.Append(ctx, []disintegrate.Event{
			makeEvent(&studentSubscribed{CourseID: "c1", StudentID: "s1"}),
		}, nil, 0)
		Expect(err).NotTo(HaveOccurred())

		// lastSeen 0 predates the subscription above.
		_, err = store.Append(ctx, []disintegrate.Event{
			makeEvent(&studentSubscribed{CourseID: "c1", StudentID: "s2"}),
		}, courseQuery("c1"), 0)
		Expect(err).To(HaveOccurred())
		Expect(disintegrate.IsConcurrencyError(err)).To(BeTrue())
	})

	It("lets exactly one of two racing appends with the same validation query commit", func() {
		racers := 2
		start := make(chan struct{})
		errs := make(chan error, racers)

		var wg sync.WaitGroup
		for i := 0; i < racers; i++ {
			wg.Add(1)
			student := []string{"s1", "s2"}[i]
			go func() {
				defer wg.Done()
				<-start
				_, err := store.Append(ctx, []disintegrate.Event{
					makeEvent(&studentSubscribed{CourseID: "c1", StudentID: student}),
				}, courseQuery("c1"), 0)
				errs <- err
			}()
		}
		close(start)
		wg.Wait()
		close(errs)

		var failures int
		for err := range errs {
			if err != nil {
				Expect(disintegrate.IsConcurrencyError(err)).To(BeTrue())
				failures++
			}
		}
		Expect(failures).To(Equal(1))

		events, err := store.Scan(ctx, courseQuery("c1"), 0, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(1))
	})

	It("leaves a failed append's reservation behind without blocking later appends", func() {
		_, err := store.Append(ctx, []disintegrate.Event{
			makeEvent(&studentSubscribed{CourseID: "c1", StudentID: "s1"}),
		}, nil, 0)
		Expect(err).NotTo(HaveOccurred())

		_, err = store.Append(ctx, []disintegrate.Event{
			makeEvent(&studentSubscribed{CourseID: "c1", StudentID: "s2"}),
		}, courseQuery("c1"), 0)
		Expect(disintegrate.IsConcurrencyError(err)).To(BeTrue())

		// The loser's reservation row stays, unpublished.
		var reserved, published int
		Expect(pool.QueryRow(ctx, `SELECT COUNT(*) FROM event_sequence`).Scan(&reserved)).To(Succeed())
		Expect(pool.QueryRow(ctx, `SELECT COUNT(*) FROM event`).Scan(&published)).To(Succeed())
		Expect(reserved).To(Equal(2))
		Expect(published).To(Equal(1))

		// A retry that has seen the committed log succeeds; the ghost row
		// never conflicts anything again.
		maxID, err := store.MaxEventID(ctx)
		Expect(err).NotTo(HaveOccurred())
		_, err = store.Append(ctx, []disintegrate.Event{
			makeEvent(&studentSubscribed{CourseID: "c1", StudentID: "s2"}),
		}, courseQuery("c1"), maxID)
		Expect(err).NotTo(HaveOccurred())
	})

	It("ignores events of excluded tags when validating", func() {
		_, err := store.Append(ctx, []disintegrate.Event{
			makeEvent(&couponEmitted{CouponID: "x", Quantity: 1}),
		}, nil, 0)
		Expect(err).NotTo(HaveOccurred())
		lastSeen, err := store.MaxEventID(ctx)
		Expect(err).NotTo(HaveOccurred())

		noApplied := disintegrate.Exclude(
			disintegrate.QueryStream(couponStream, disintegrate.Eq("coupon_id", "x")),
			"CouponApplied",
		)

		// Two sequential applications validated after the same position:
		// the exclusion keeps the second from conflicting on the first.
		_, err = store.Append(ctx, []disintegrate.Event{
			makeEvent(&couponApplied{CouponID: "x", StudentID: "s1"}),
		}, noApplied, lastSeen)
		Expect(err).NotTo(HaveOccurred())
		_, err = store.Append(ctx, []disintegrate.Event{
			makeEvent(&couponApplied{CouponID: "x", StudentID: "s2"}),
		}, noApplied, lastSeen)
		Expect(err).NotTo(HaveOccurred())
	})

	It("succeeds when the validation query matches only its own new events", func() {
		events := []disintegrate.Event{
			makeEvent(&studentSubscribed{CourseID: "c9", StudentID: "s1"}),
		}
		_, err := store.Append(ctx, events, courseQuery("c9"), 0)
		Expect(err).NotTo(HaveOccurred())
	})

	It("rejects empty batches", func() {
		_, err := store.Append(ctx, nil, nil, 0)
		Expect(err).To(HaveOccurred())
		Expect(disintegrate.IsValidationError(err)).To(BeTrue())
	})
})
