package types_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/XutongLi/Salus/common/types"
)

var _ = Describe("Resources Tests", func() {
	gpuMem := types.NewTag(types.Memory, types.GPU0)
	cpuMem := types.NewTag(types.Memory, types.CPU0)

	It("Will treat a missing tag as zero", func() {
		res := make(types.Resources)
		Expect(res.Get(gpuMem)).To(Equal(int64(0)))
		Expect(res.IsZero()).To(BeTrue())
	})

	It("Will add and subtract element-wise", func() {
		res := types.Resources{gpuMem: 100}
		res.Add(types.Resources{gpuMem: 50, cpuMem: 25})

		Expect(res.Get(gpuMem)).To(Equal(int64(150)))
		Expect(res.Get(cpuMem)).To(Equal(int64(25)))

		res.Subtract(types.Resources{gpuMem: 150})
		Expect(res.Get(gpuMem)).To(Equal(int64(0)))
		Expect(res.Get(cpuMem)).To(Equal(int64(25)))
	})

	It("Will drop entries that reach zero", func() {
		res := types.Resources{gpuMem: 10}
		res.Subtract(types.Resources{gpuMem: 10})

		_, present := res[gpuMem]
		Expect(present).To(BeFalse())
		Expect(res.IsZero()).To(BeTrue())
	})

	It("Will clone without aliasing", func() {
		res := types.Resources{gpuMem: 10}
		cloned := res.Clone()
		cloned.Add(types.Resources{gpuMem: 5})

		Expect(res.Get(gpuMem)).To(Equal(int64(10)))
		Expect(cloned.Get(gpuMem)).To(Equal(int64(15)))
	})

	It("Will check fit against a limit", func() {
		limit := types.Resources{gpuMem: 100}

		Expect(types.Resources{gpuMem: 100}.FitsIn(limit)).To(BeTrue())
		Expect(types.Resources{gpuMem: 101}.FitsIn(limit)).To(BeFalse())
		Expect(types.Resources{cpuMem: 1}.FitsIn(limit)).To(BeFalse())
		Expect(types.Resources{}.FitsIn(limit)).To(BeTrue())
	})
})
