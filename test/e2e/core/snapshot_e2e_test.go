package core

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"brainlytree.dev/moldwatch/internal/session"
	"brainlytree.dev/moldwatch/internal/snapshot"
	"brainlytree.dev/moldwatch/internal/store"
)

var _ = Describe("Site snapshot E2E", func() {
	var (
		manager   *session.Manager
		generator *snapshot.Generator
	)

	BeforeEach(func() {
		var err error
		manager, err = session.NewManager(&session.ManagerConfig{
			Logger: testLogger,
			DB:     testDB,
		})
		Expect(err).NotTo(HaveOccurred())

		generator, err = snapshot.NewGenerator(&snapshot.GeneratorConfig{
			Logger: testLogger,
			DB:     testDB,
		})
		Expect(err).NotTo(HaveOccurred())
	})

	floatPtr := func(v float64) *float64 { return &v }

	It("should mark an in-window score fresh alongside the telemetry", func() {
		ctx := context.Background()
		f := createLineage("UTC", "0 8,16 * * *")
		now := time.Now().UTC()

		sess, err := manager.GetOrCreate(ctx, f.Site, time.UTC, now, true)
		Expect(err).NotTo(HaveOccurred())

		image := store.DeviceImage{
			DeviceID:   f.Device.ID,
			ImageName:  "window1.jpg",
			SessionID:  &sess.ID,
			CapturedAt: now,
			Status:     store.ImageComplete,
			Score:      floatPtr(0.42),
			Velocity:   floatPtr(0.02),
		}
		Expect(testDB.Create(&image).Error).NotTo(HaveOccurred())

		payload := store.WakePayload{
			DeviceID:        f.Device.ID,
			SessionID:       sess.ID,
			CapturedAt:      now,
			WakeWindowIndex: 1,
			PayloadStatus:   "complete",
			TemperatureC:    21.5,
			ImageID:         &image.ID,
		}
		Expect(testDB.Create(&payload).Error).NotTo(HaveOccurred())

		snap, err := generator.Build(ctx, sess.ID, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(snap.Devices).To(HaveLen(1))

		ds := snap.Devices[0]
		Expect(ds.Temperature).NotTo(BeNil())
		Expect(ds.Temperature.DataFreshness).To(Equal(snapshot.FreshnessFresh))
		Expect(ds.Score).NotTo(BeNil())
		Expect(ds.Score.Value).To(BeNumerically("~", 0.42, 1e-9))
		Expect(ds.Score.IsCurrent).To(BeTrue())
		Expect(ds.Score.DataFreshness).To(Equal(snapshot.FreshnessFresh))
		Expect(ds.Score.HoursSinceLast).To(BeZero())
		Expect(ds.Velocity).NotTo(BeNil())
		Expect(*ds.Velocity).To(BeNumerically("~", 0.02, 1e-9))
	})

	It("should carry the last score forward with its staleness", func() {
		ctx := context.Background()
		f := createLineage("UTC", "0 8,16 * * *")
		now := time.Now().UTC()

		sess, err := manager.GetOrCreate(ctx, f.Site, time.UTC, now, true)
		Expect(err).NotTo(HaveOccurred())

		// The device reported and was scored thirty hours ago, then went
		// silent.
		old := now.Add(-30 * time.Hour)
		image := store.DeviceImage{
			DeviceID:   f.Device.ID,
			ImageName:  "stale.jpg",
			CapturedAt: old,
			Status:     store.ImageComplete,
			Score:      floatPtr(0.31),
		}
		Expect(testDB.Create(&image).Error).NotTo(HaveOccurred())

		payload := store.WakePayload{
			DeviceID:        f.Device.ID,
			SessionID:       sess.ID,
			CapturedAt:      old,
			WakeWindowIndex: 1,
			PayloadStatus:   "complete",
			Humidity:        58.0,
		}
		Expect(testDB.Create(&payload).Error).NotTo(HaveOccurred())

		snap, err := generator.Build(ctx, sess.ID, 2)
		Expect(err).NotTo(HaveOccurred())
		Expect(snap.Devices).To(HaveLen(1))

		ds := snap.Devices[0]
		Expect(ds.Humidity).NotTo(BeNil())
		Expect(ds.Humidity.DataFreshness).To(Equal(snapshot.FreshnessCarried))
		Expect(ds.Score).NotTo(BeNil())
		Expect(ds.Score.Value).To(BeNumerically("~", 0.31, 1e-9))
		Expect(ds.Score.IsCurrent).To(BeFalse())
		Expect(ds.Score.DataFreshness).To(Equal(snapshot.FreshnessCarried))
		Expect(ds.Score.HoursSinceLast).To(BeNumerically("~", 30.0, 0.1))
	})

	It("should leave every field nil for a device with no history", func() {
		ctx := context.Background()
		f := createLineage("UTC", "")

		sess, err := manager.GetOrCreate(ctx, f.Site, time.UTC, time.Now().UTC(), true)
		Expect(err).NotTo(HaveOccurred())

		snap, err := generator.Build(ctx, sess.ID, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(snap.Devices).To(HaveLen(1))

		ds := snap.Devices[0]
		Expect(ds.Temperature).To(BeNil())
		Expect(ds.Humidity).To(BeNil())
		Expect(ds.Pressure).To(BeNil())
		Expect(ds.GasResistance).To(BeNil())
		Expect(ds.BatteryPercent).To(BeNil())
		Expect(ds.SignalDBM).To(BeNil())
		Expect(ds.Score).To(BeNil())
		Expect(ds.Velocity).To(BeNil())
	})
})
