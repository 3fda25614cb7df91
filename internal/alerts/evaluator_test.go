package alerts_test

import (
	"log/slog"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"brainlytree.dev/moldwatch/internal/alerts"
)

var _ = Describe("Evaluator", func() {
	Describe("NewEvaluator", func() {
		It("should reject a nil config", func() {
			e, err := alerts.NewEvaluator(nil)
			Expect(err).To(HaveOccurred())
			Expect(e).To(BeNil())
		})

		It("should reject a config without a logger", func() {
			e, err := alerts.NewEvaluator(&alerts.EvaluatorConfig{})
			Expect(err).To(MatchError("logger cannot be nil"))
			Expect(e).To(BeNil())
		})

		It("should reject a config without a database", func() {
			e, err := alerts.NewEvaluator(&alerts.EvaluatorConfig{
				Logger: slog.Default(),
			})
			Expect(err).To(MatchError("database cannot be nil"))
			Expect(e).To(BeNil())
		})
	})
})
