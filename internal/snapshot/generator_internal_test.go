package snapshot

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"brainlytree.dev/moldwatch/internal/store"
)

var _ = Describe("fillMeasurements", func() {
	payload := &store.WakePayload{
		CapturedAt:     time.Date(2026, 8, 12, 8, 0, 0, 0, time.UTC),
		TemperatureC:   21.5,
		Humidity:       64.0,
		PressureHPa:    1012.3,
		GasOhms:        52000,
		BatteryPercent: 87.5,
		SignalDBM:      -61,
	}

	It("should mark a window payload fresh with zero staleness", func() {
		ds := &DeviceSnapshot{}
		fillMeasurements(ds, payload, true, payload.CapturedAt)

		Expect(ds.Temperature).NotTo(BeNil())
		Expect(ds.Temperature.Value).To(Equal(21.5))
		Expect(ds.Temperature.IsCurrent).To(BeTrue())
		Expect(ds.Temperature.DataFreshness).To(Equal(FreshnessFresh))
		Expect(ds.Temperature.HoursSinceLast).To(BeZero())
		Expect(ds.Humidity.Value).To(Equal(64.0))
		Expect(ds.SignalDBM.Value).To(Equal(-61.0))
	})

	It("should mark a carried payload with its staleness in hours", func() {
		ds := &DeviceSnapshot{}
		asOf := payload.CapturedAt.Add(16 * time.Hour)
		fillMeasurements(ds, payload, false, asOf)

		Expect(ds.Humidity.IsCurrent).To(BeFalse())
		Expect(ds.Humidity.DataFreshness).To(Equal(FreshnessCarried))
		Expect(ds.Humidity.HoursSinceLast).To(BeNumerically("~", 16.0, 1e-9))
	})

	It("should clamp staleness to zero for a future capture time", func() {
		ds := &DeviceSnapshot{}
		asOf := payload.CapturedAt.Add(-time.Hour)
		fillMeasurements(ds, payload, false, asOf)

		Expect(ds.Pressure.HoursSinceLast).To(BeZero())
	})
})
