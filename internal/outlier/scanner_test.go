package outlier_test

import (
	"log/slog"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"brainlytree.dev/moldwatch/internal/outlier"
)

var _ = Describe("Policy", func() {
	policy := outlier.DefaultPolicy()

	Describe("Evaluate", func() {
		It("should flag a spike against a stable low baseline", func() {
			v := policy.Evaluate(0.85, []float64{0.10, 0.12, 0.14}, 0)
			Expect(v.Flagged).To(BeTrue())
			Expect(v.Priority).To(Equal(outlier.PriorityCritical))
			Expect(v.SuggestedScore).To(BeNumerically("~", 0.12, 1e-9))
		})

		It("should pass a normal reading even next to a historical spike", func() {
			v := policy.Evaluate(0.14, []float64{0.10, 0.12, 0.85}, 0.005)
			Expect(v.Flagged).To(BeFalse())
		})

		It("should pass gradual plausible growth", func() {
			v := policy.Evaluate(0.22, []float64{0.15, 0.18, 0.20}, 0.003)
			Expect(v.Flagged).To(BeFalse())
		})

		It("should flag an implausible climb rate regardless of the z-score", func() {
			// 0.12 to 0.85 over eight hours is over 0.09 per hour.
			v := policy.Evaluate(0.85, []float64{0.12}, 0.091)
			Expect(v.Flagged).To(BeTrue())
		})

		It("should catch a spike on the third day of daily readings", func() {
			// Readings 0.10, 0.12, 0.85, 0.14 one day apart. The spike
			// arrives with only two priors behind it and must still flag;
			// the readings around it must stay clean.
			v := policy.Evaluate(0.12, []float64{0.10}, 0.02/24)
			Expect(v.Flagged).To(BeFalse())

			v = policy.Evaluate(0.85, []float64{0.12, 0.10}, 0.73/24)
			Expect(v.Flagged).To(BeTrue())
			Expect(v.Priority).To(Equal(outlier.PriorityCritical))

			v = policy.Evaluate(0.14, []float64{0.85, 0.12, 0.10}, -0.71/24)
			Expect(v.Flagged).To(BeFalse())
		})

		It("should leave the z-score out with a single prior observation", func() {
			v := policy.Evaluate(0.85, []float64{0.10}, 0.001)
			Expect(v.Flagged).To(BeFalse())
		})

		It("should assign high priority between the escalation bounds", func() {
			// z close to 5 with a modest rate.
			v := policy.Evaluate(0.27, []float64{0.10, 0.12, 0.14}, 0.01)
			Expect(v.Flagged).To(BeTrue())
			Expect(v.Priority).To(Equal(outlier.PriorityHigh))
		})
	})
})

var _ = Describe("Scanner", func() {
	Describe("NewScanner", func() {
		It("should reject a nil config", func() {
			s, err := outlier.NewScanner(nil)
			Expect(err).To(HaveOccurred())
			Expect(s).To(BeNil())
		})

		It("should reject a config without a database", func() {
			s, err := outlier.NewScanner(&outlier.ScannerConfig{
				Logger: slog.Default(),
			})
			Expect(err).To(MatchError("database cannot be nil"))
			Expect(s).To(BeNil())
		})
	})
})
