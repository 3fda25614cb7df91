package outlier_test

import (
	"math"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"brainlytree.dev/moldwatch/internal/outlier"
)

var _ = Describe("robust statistics", func() {
	Describe("Median", func() {
		It("should return the middle value of an odd sample", func() {
			Expect(outlier.Median([]float64{0.3, 0.1, 0.2})).To(Equal(0.2))
		})

		It("should average the middle pair of an even sample", func() {
			Expect(outlier.Median([]float64{0.1, 0.2, 0.3, 0.4})).To(BeNumerically("~", 0.25, 1e-9))
		})

		It("should return zero for an empty sample", func() {
			Expect(outlier.Median(nil)).To(BeZero())
		})

		It("should not mutate its input", func() {
			sample := []float64{0.3, 0.1, 0.2}
			outlier.Median(sample)
			Expect(sample).To(Equal([]float64{0.3, 0.1, 0.2}))
		})
	})

	Describe("MAD", func() {
		It("should return the median absolute deviation", func() {
			Expect(outlier.MAD([]float64{0.10, 0.12, 0.14})).To(BeNumerically("~", 0.02, 1e-9))
		})

		It("should be zero for a constant sample", func() {
			Expect(outlier.MAD([]float64{0.2, 0.2, 0.2})).To(BeZero())
		})
	})

	Describe("ModifiedZScore", func() {
		It("should scale the deviation by 0.6745 over the MAD", func() {
			z := outlier.ModifiedZScore(0.85, []float64{0.10, 0.12, 0.14})
			Expect(z).To(BeNumerically("~", 0.6745*0.73/0.02, 1e-6))
		})

		It("should fall back to the mean absolute deviation when the MAD is zero", func() {
			// MAD is zero because the majority of the sample is 0.2.
			sample := []float64{0.2, 0.2, 0.2, 0.5}
			z := outlier.ModifiedZScore(0.9, sample)
			Expect(z).To(BeNumerically(">", 0))
			Expect(math.IsInf(z, 1)).To(BeFalse())
		})

		It("should return infinity off-median when the sample has no spread at all", func() {
			z := outlier.ModifiedZScore(0.9, []float64{0.2, 0.2, 0.2})
			Expect(math.IsInf(z, 1)).To(BeTrue())
		})

		It("should return zero on-median for a spreadless sample", func() {
			Expect(outlier.ModifiedZScore(0.2, []float64{0.2, 0.2, 0.2})).To(BeZero())
		})
	})
})
