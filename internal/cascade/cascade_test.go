package cascade_test

import (
	"log/slog"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"brainlytree.dev/moldwatch/internal/cascade"
)

var _ = Describe("Cascade", func() {
	Describe("New", func() {
		It("should reject a nil config", func() {
			c, err := cascade.New(nil)
			Expect(err).To(HaveOccurred())
			Expect(c).To(BeNil())
		})

		It("should reject a config without a logger", func() {
			c, err := cascade.New(&cascade.Config{})
			Expect(err).To(MatchError("logger cannot be nil"))
			Expect(c).To(BeNil())
		})

		It("should reject a config without a database", func() {
			c, err := cascade.New(&cascade.Config{
				Logger: slog.Default(),
			})
			Expect(err).To(MatchError("database cannot be nil"))
			Expect(c).To(BeNil())
		})
	})

	Describe("Velocity", func() {
		It("should be zero for the first scored observation", func() {
			Expect(cascade.Velocity(0.42, nil)).To(BeZero())
		})

		It("should be the signed difference from the prior score", func() {
			prior := 0.30
			Expect(cascade.Velocity(0.45, &prior)).To(BeNumerically("~", 0.15, 1e-9))
		})

		It("should go negative when growth recedes", func() {
			prior := 0.50
			Expect(cascade.Velocity(0.35, &prior)).To(BeNumerically("~", -0.15, 1e-9))
		})
	})

	Describe("Speed", func() {
		start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

		It("should average the score over days since the program start", func() {
			at := start.Add(10 * 24 * time.Hour)
			Expect(cascade.Speed(0.5, start, at)).To(BeNumerically("~", 0.05, 1e-9))
		})

		It("should clamp the divisor to one day on the start day", func() {
			at := start.Add(2 * time.Hour)
			Expect(cascade.Speed(0.5, start, at)).To(BeNumerically("~", 0.5, 1e-9))
		})

		It("should clamp the divisor when the capture predates the start", func() {
			at := start.Add(-48 * time.Hour)
			Expect(cascade.Speed(0.5, start, at)).To(BeNumerically("~", 0.5, 1e-9))
		})
	})
})

var _ = Describe("ErrorSink", func() {
	It("should reject a nil logger", func() {
		s, err := cascade.NewErrorSink(nil, nil)
		Expect(err).To(MatchError("logger cannot be nil"))
		Expect(s).To(BeNil())
	})

	It("should reject a nil database", func() {
		s, err := cascade.NewErrorSink(slog.Default(), nil)
		Expect(err).To(MatchError("database cannot be nil"))
		Expect(s).To(BeNil())
	})
})

var _ = Describe("ScoringClient", func() {
	It("should reject a nil config", func() {
		c, err := cascade.NewScoringClient(nil)
		Expect(err).To(HaveOccurred())
		Expect(c).To(BeNil())
	})

	It("should reject an empty base URL", func() {
		c, err := cascade.NewScoringClient(&cascade.ScoringClientConfig{
			Logger: slog.Default(),
		})
		Expect(err).To(MatchError("base URL cannot be empty"))
		Expect(c).To(BeNil())
	})
})

var _ = Describe("Reconciler", func() {
	It("should reject a nil config", func() {
		r, err := cascade.NewReconciler(nil)
		Expect(err).To(HaveOccurred())
		Expect(r).To(BeNil())
	})

	It("should reject a config without a score requester", func() {
		r, err := cascade.NewReconciler(&cascade.ReconcilerConfig{
			Logger: slog.Default(),
		})
		Expect(err).To(HaveOccurred())
		Expect(r).To(BeNil())
	})
})
