package resource_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/XutongLi/Salus/common/execution/resource"
	"github.com/XutongLi/Salus/common/types"
)

var _ = Describe("Tracker Tests", func() {
	gpuMem := types.NewTag(types.Memory, types.GPU0)

	It("Should admit sessions within the configured limits", func() {
		tracker := resource.NewTracker(types.Resources{gpuMem: 100}, 1.0)

		offer, ok := tracker.Admit(types.Resources{gpuMem: 60})
		Expect(ok).To(BeTrue())
		Expect(offer).ToNot(BeZero())

		_, ok = tracker.Admit(types.Resources{gpuMem: 40})
		Expect(ok).To(BeTrue())
	})

	It("Should reject a session that would exceed the safe footprint", func() {
		tracker := resource.NewTracker(types.Resources{gpuMem: 100}, 1.0)

		_, ok := tracker.Admit(types.Resources{gpuMem: 80})
		Expect(ok).To(BeTrue())

		_, ok = tracker.Admit(types.Resources{gpuMem: 40})
		Expect(ok).To(BeFalse())
	})

	It("Should scale the limits by the overcommit factor", func() {
		tracker := resource.NewTracker(types.Resources{gpuMem: 100}, 1.5)

		_, ok := tracker.Admit(types.Resources{gpuMem: 150})
		Expect(ok).To(BeTrue())

		_, ok = tracker.Admit(types.Resources{gpuMem: 1})
		Expect(ok).To(BeFalse())
	})

	It("Should leave the predicted aggregate unchanged after admit followed by free", func() {
		tracker := resource.NewTracker(types.Resources{gpuMem: 100}, 1.0)

		offer, ok := tracker.Admit(types.Resources{gpuMem: 80})
		Expect(ok).To(BeTrue())
		tracker.Free(offer)

		// The full capacity is available again.
		_, ok = tracker.Admit(types.Resources{gpuMem: 100})
		Expect(ok).To(BeTrue())
	})

	It("Should bind an offer to a session handle exactly once", func() {
		tracker := resource.NewTracker(types.Resources{gpuMem: 100}, 1.0)

		offer, ok := tracker.Admit(types.Resources{gpuMem: 10})
		Expect(ok).To(BeTrue())

		_, bound := tracker.SessionHandle(offer)
		Expect(bound).To(BeFalse())

		Expect(tracker.AcceptAdmission(offer, "session-1")).To(Succeed())

		handle, bound := tracker.SessionHandle(offer)
		Expect(bound).To(BeTrue())
		Expect(handle).To(Equal("session-1"))

		Expect(tracker.AcceptAdmission(offer, "session-2")).To(MatchError(resource.ErrOfferAlreadyAccepted))
		Expect(tracker.AcceptAdmission(offer+1, "session-3")).To(MatchError(types.ErrOfferNotFound))
	})

	It("Should report the predicted usage of an offer", func() {
		tracker := resource.NewTracker(types.Resources{gpuMem: 100}, 1.0)

		offer, ok := tracker.Admit(types.Resources{gpuMem: 25})
		Expect(ok).To(BeTrue())

		usage, ok := tracker.Usage(offer)
		Expect(ok).To(BeTrue())
		Expect(usage.Get(gpuMem)).To(Equal(int64(25)))

		tracker.Free(offer)
		_, ok = tracker.Usage(offer)
		Expect(ok).To(BeFalse())
	})
})
