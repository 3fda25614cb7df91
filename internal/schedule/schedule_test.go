package schedule_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"brainlytree.dev/moldwatch/internal/schedule"
)

func localTime(hour, minute int) time.Time {
	return time.Date(2026, 3, 14, hour, minute, 0, 0, time.UTC)
}

var _ = Describe("Schedule", func() {
	var policy schedule.Policy

	BeforeEach(func() {
		policy = schedule.DefaultPolicy()
	})

	Describe("Parse", func() {
		It("should parse a comma list from a full cron expression", func() {
			s := schedule.Parse("0 8,16 * * *", policy)
			Expect(s.Fallback()).To(BeFalse())
			Expect(s.Hours()).To(Equal([]int{8, 16}))
			Expect(s.WakesPerDay()).To(Equal(2))
		})

		It("should parse a fixed interval", func() {
			s := schedule.Parse("0 */6 * * *", policy)
			Expect(s.Hours()).To(Equal([]int{0, 6, 12, 18}))
			Expect(s.WakesPerDay()).To(Equal(4))
		})

		It("should parse a single hour", func() {
			s := schedule.Parse("0 9 * * *", policy)
			Expect(s.Hours()).To(Equal([]int{9}))
		})

		It("should parse a wildcard as hourly", func() {
			s := schedule.Parse("0 * * * *", policy)
			Expect(s.WakesPerDay()).To(Equal(24))
		})

		It("should accept a bare hour field", func() {
			s := schedule.Parse("8,16", policy)
			Expect(s.Hours()).To(Equal([]int{8, 16}))
		})

		It("should sort and dedupe hour lists", func() {
			s := schedule.Parse("0 16,8,16 * * *", policy)
			Expect(s.Hours()).To(Equal([]int{8, 16}))
		})

		Context("with malformed expressions", func() {
			It("should fall back to the policy interval", func() {
				for _, expr := range []string{"", "0 25 * * *", "0 nope * * *", "0 */0 * * *"} {
					s := schedule.Parse(expr, policy)
					Expect(s.Fallback()).To(BeTrue(), "expr %q", expr)
					Expect(s.Hours()).To(Equal([]int{0, 4, 8, 12, 16, 20}))
				}
			})

			It("should honor a custom fallback interval", func() {
				s := schedule.Parse("garbage", schedule.Policy{FallbackIntervalHours: 12})
				Expect(s.Hours()).To(Equal([]int{0, 12}))
			})
		})
	})

	Describe("Infer", func() {
		It("should place an on-schedule wake in its 1-based window", func() {
			s := schedule.Parse("0 8,16 * * *", policy)

			idx, overage := s.Infer(localTime(8, 5))
			Expect(idx).To(Equal(1))
			Expect(overage).To(BeFalse())

			idx, overage = s.Infer(localTime(16, 0))
			Expect(idx).To(Equal(2))
			Expect(overage).To(BeFalse())
		})

		It("should flag an off-schedule wake as overage without rejecting it", func() {
			s := schedule.Parse("0 8,16 * * *", policy)

			idx, overage := s.Infer(localTime(13, 0))
			Expect(overage).To(BeTrue())
			Expect(idx).To(Equal(1)) // attributed to the nearest previous window
		})

		It("should attribute a pre-first-window overage to index 0", func() {
			s := schedule.Parse("0 8,16 * * *", policy)

			idx, overage := s.Infer(localTime(6, 30))
			Expect(overage).To(BeTrue())
			Expect(idx).To(Equal(0))
		})

		It("should respect a tight tolerance window", func() {
			tight := schedule.Policy{FallbackIntervalHours: 4, ToleranceMinutes: 10}
			s := schedule.Parse("0 8,16 * * *", tight)

			_, overage := s.Infer(localTime(8, 5))
			Expect(overage).To(BeFalse())

			_, overage = s.Infer(localTime(8, 30))
			Expect(overage).To(BeTrue())
		})

		It("should be deterministic for the same inputs", func() {
			s := schedule.Parse("0 */4 * * *", policy)
			at := localTime(11, 47)

			idx1, ov1 := s.Infer(at)
			for i := 0; i < 10; i++ {
				idx2, ov2 := s.Infer(at)
				Expect(idx2).To(Equal(idx1))
				Expect(ov2).To(Equal(ov1))
			}
		})
	})

	Describe("Next", func() {
		It("should return the next window the same day", func() {
			s := schedule.Parse("0 8,16 * * *", policy)
			next := s.Next(localTime(9, 0))
			Expect(next.Hour()).To(Equal(16))
			Expect(next.Day()).To(Equal(14))
		})

		It("should roll over to the first window of the next day", func() {
			s := schedule.Parse("0 8,16 * * *", policy)
			next := s.Next(localTime(17, 0))
			Expect(next.Hour()).To(Equal(8))
			Expect(next.Day()).To(Equal(15))
		})
	})
})

var _ = Describe("BatteryPolicy", func() {
	It("should map voltage linearly between empty and full", func() {
		p := schedule.DefaultBatteryPolicy()
		Expect(p.Percent(3.0)).To(BeZero())
		Expect(p.Percent(4.2)).To(Equal(100.0))
		Expect(p.Percent(3.6)).To(BeNumerically("~", 50.0, 0.001))
	})

	It("should clamp out-of-range voltages", func() {
		p := schedule.DefaultBatteryPolicy()
		Expect(p.Percent(2.5)).To(BeZero())
		Expect(p.Percent(5.0)).To(Equal(100.0))
	})

	It("should not divide by zero on a degenerate policy", func() {
		p := schedule.BatteryPolicy{EmptyVolts: 3.7, FullVolts: 3.7}
		Expect(p.Percent(3.7)).To(BeZero())
	})
})
