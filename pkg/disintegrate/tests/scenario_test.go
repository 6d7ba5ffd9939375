package integration

import (
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/disintegrate-es/disintegrate/pkg/disintegrate"
)

var _ = Describe("Decision scenarios", func() {
	var executor *disintegrate.Executor

	BeforeEach(func() {
		Expect(truncateAll(ctx)).To(Succeed())
		executor = disintegrate.NewExecutor(store, disintegrate.NewHydrator(store), newCodec())
	})

	seedCourse := func(courseID string, seats int) {
		encoded, err := newCodec().Encode(&courseCreated{CourseID: courseID, Seats: seats})
		Expect(err).NotTo(HaveOccurred())
		_, err = store.Append(ctx, []disintegrate.Event{encoded}, nil, 0)
		Expect(err).NotTo(HaveOccurred())
	}

	It("subscribes exactly one student to a single-seat course under contention", func() {
		seedCourse("c1", 1)

		start := make(chan struct{})
		errs := make(chan error, 2)
		var wg sync.WaitGroup
		for _, student := range []string{"s1", "s2"} {
			wg.Add(1)
			d := &subscribeStudent{courseID: "c1", studentID: student}
			go func() {
				defer wg.Done()
				<-start
				_, err := executor.Make(ctx, d)
				errs <- err
			}()
		}
		close(start)
		wg.Wait()
		close(errs)

		// The loser's conflict was retried away; what surfaces is the
		// business rule it then ran into.
		var businessErrors int
		for err := range errs {
			if err != nil {
				Expect(disintegrate.IsBusinessError(err)).To(BeTrue())
				Expect(err).To(MatchError(errNoSeats))
				businessErrors++
			}
		}
		Expect(businessErrors).To(Equal(1))

		hydrated, err := disintegrate.NewHydrator(store).Hydrate(ctx, courseView("c1"))
		Expect(err).NotTo(HaveOccurred())
		Expect(hydrated.State("course").(courseState).Students).To(HaveLen(1))
	})

	It("lets a coupon overbook when applications exclude each other", func() {
		encoded, err := newCodec().Encode(&couponEmitted{CouponID: "x", Quantity: 1})
		Expect(err).NotTo(HaveOccurred())
		_, err = store.Append(ctx, []disintegrate.Event{encoded}, nil, 0)
		Expect(err).NotTo(HaveOccurred())

		start := make(chan struct{})
		errs := make(chan error, 2)
		var wg sync.WaitGroup
		for _, student := range []string{"s1", "s2"} {
			wg.Add(1)
			d := &applyCoupon{couponID: "x", studentID: student}
			go func() {
				defer wg.Done()
				<-start
				_, err := executor.Make(ctx, d)
				errs <- err
			}()
		}
		close(start)
		wg.Wait()
		close(errs)

		for err := range errs {
			Expect(err).NotTo(HaveOccurred())
		}

		hydrated, err := disintegrate.NewHydrator(store).Hydrate(ctx, couponView("x"))
		Expect(err).NotTo(HaveOccurred())
		Expect(hydrated.State("coupon").(couponState).Quantity).To(Equal(-1))
	})

	It("caps a student at two courses without touching the log", func() {
		seedCourse("c1", 10)
		seedCourse("c2", 10)
		seedCourse("c3", 10)

		_, err := executor.Make(ctx, &subscribeStudent{courseID: "c1", studentID: "s1"})
		Expect(err).NotTo(HaveOccurred())
		_, err = executor.Make(ctx, &subscribeStudent{courseID: "c2", studentID: "s1"})
		Expect(err).NotTo(HaveOccurred())

		before, err := store.MaxEventID(ctx)
		Expect(err).NotTo(HaveOccurred())

		_, err = executor.Make(ctx, &subscribeStudent{courseID: "c3", studentID: "s1"})
		Expect(disintegrate.IsBusinessError(err)).To(BeTrue())
		Expect(err).To(MatchError(errTooManyCourses))

		after, err := store.MaxEventID(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(after).To(Equal(before))
	})

	It("rejects subscriptions to unknown courses", func() {
		_, err := executor.Make(ctx, &subscribeStudent{courseID: "ghost", studentID: "s1"})
		Expect(disintegrate.IsBusinessError(err)).To(BeTrue())
		Expect(err).To(MatchError(errUnknownCourse))
	})
})
