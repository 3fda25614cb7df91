package alerts

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"brainlytree.dev/moldwatch/internal/store"
)

func ptr(v float64) *float64 { return &v }

var _ = Describe("threshold checks", func() {
	Describe("checkHigh", func() {
		It("should not fire below the warning bound", func() {
			Expect(checkHigh(TypeTempHigh, 24.9, ptr(25), ptr(30))).To(BeNil())
		})

		It("should fire a warning at the warning bound", func() {
			f := checkHigh(TypeTempHigh, 25.0, ptr(25), ptr(30))
			Expect(f).NotTo(BeNil())
			Expect(f.Severity).To(Equal(store.SeverityWarning))
			Expect(f.Threshold).To(Equal(25.0))
		})

		It("should prefer critical when both bounds are crossed", func() {
			f := checkHigh(TypeTempHigh, 31.0, ptr(25), ptr(30))
			Expect(f).NotTo(BeNil())
			Expect(f.Severity).To(Equal(store.SeverityCritical))
			Expect(f.Threshold).To(Equal(30.0))
		})

		It("should skip entirely when no bounds are configured", func() {
			Expect(checkHigh(TypeTempHigh, 99.0, nil, nil)).To(BeNil())
		})
	})

	Describe("checkLow", func() {
		It("should fire critical at or below the critical bound", func() {
			f := checkLow(TypeTempLow, 1.0, ptr(5), ptr(2))
			Expect(f).NotTo(BeNil())
			Expect(f.Severity).To(Equal(store.SeverityCritical))
		})

		It("should fire a warning between the bounds", func() {
			f := checkLow(TypeTempLow, 4.0, ptr(5), ptr(2))
			Expect(f).NotTo(BeNil())
			Expect(f.Severity).To(Equal(store.SeverityWarning))
		})
	})

	Describe("checkShift", func() {
		stats := ShiftStats{
			Min:   12.0,
			Max:   21.5,
			MinAt: time.Date(2026, 8, 12, 6, 0, 0, 0, time.UTC),
			MaxAt: time.Date(2026, 8, 12, 15, 0, 0, 0, time.UTC),
		}

		It("should fire when the spread exceeds the limit", func() {
			f := checkShift(TypeTempShift, stats, ptr(8))
			Expect(f).NotTo(BeNil())
			Expect(f.Category).To(Equal(CategoryShift))
			Expect(f.Actual).To(BeNumerically("~", 9.5, 1e-9))
		})

		It("should not fire at exactly the limit", func() {
			f := checkShift(TypeTempShift, stats, ptr(9.5))
			Expect(f).To(BeNil())
		})

		It("should skip when no limit is configured", func() {
			Expect(checkShift(TypeTempShift, stats, nil)).To(BeNil())
		})
	})

	Describe("checkRate", func() {
		It("should fire critical on a fast score climb", func() {
			f := checkRate(TypeVelocity, CategoryVelocity, 0.31, ptr(0.15), ptr(0.30))
			Expect(f).NotTo(BeNil())
			Expect(f.Severity).To(Equal(store.SeverityCritical))
			Expect(f.Category).To(Equal(CategoryVelocity))
		})

		It("should ignore negative velocity", func() {
			Expect(checkRate(TypeVelocity, CategoryVelocity, -0.4, ptr(0.15), ptr(0.30))).To(BeNil())
		})
	})

	Describe("checkCombination", func() {
		cfg := &store.AlertThresholdConfig{
			ComboTempMin:     ptr(20),
			ComboHumidityMin: ptr(70),
			ComboSeverity:    store.SeverityCritical,
		}

		It("should fire only when both floors are met", func() {
			f := checkCombination(22.0, 75.0, cfg)
			Expect(f).NotTo(BeNil())
			Expect(f.Severity).To(Equal(store.SeverityCritical))
			Expect(f.AlertType).To(Equal(TypeCombination))
		})

		It("should not fire when only humidity is in the zone", func() {
			Expect(checkCombination(18.0, 80.0, cfg)).To(BeNil())
		})

		It("should not fire when only temperature is in the zone", func() {
			Expect(checkCombination(25.0, 60.0, cfg)).To(BeNil())
		})

		It("should default to warning severity when none is configured", func() {
			plain := &store.AlertThresholdConfig{
				ComboTempMin:     ptr(20),
				ComboHumidityMin: ptr(70),
			}
			f := checkCombination(22.0, 75.0, plain)
			Expect(f).NotTo(BeNil())
			Expect(f.Severity).To(Equal(store.SeverityWarning))
		})
	})
})
