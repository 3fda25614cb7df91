package core

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"brainlytree.dev/moldwatch/internal/ingest"
	"brainlytree.dev/moldwatch/internal/lineage"
	"brainlytree.dev/moldwatch/internal/session"
	"brainlytree.dev/moldwatch/internal/store"
)

var _ = Describe("Wake ingestion E2E", func() {
	var (
		handler *ingest.Handler
		tracker *ingest.ChunkTracker
	)

	BeforeEach(func() {
		resolver, err := lineage.NewResolver(&lineage.ResolverConfig{
			Logger: testLogger,
			DB:     testDB,
		})
		Expect(err).NotTo(HaveOccurred())

		sessions, err := session.NewManager(&session.ManagerConfig{
			Logger: testLogger,
			DB:     testDB,
		})
		Expect(err).NotTo(HaveOccurred())

		handler, err = ingest.NewHandler(&ingest.HandlerConfig{
			Logger:   testLogger,
			DB:       testDB,
			Resolver: resolver,
			Sessions: sessions,
		})
		Expect(err).NotTo(HaveOccurred())

		buffer, err := ingest.NewChunkBuffer(rdb, time.Hour)
		Expect(err).NotTo(HaveOccurred())

		blobs, err := ingest.NewFileStore(GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())

		tracker, err = ingest.NewChunkTracker(&ingest.TrackerConfig{
			Logger: testLogger,
			DB:     testDB,
			Buffer: buffer,
			Blobs:  blobs,
		})
		Expect(err).NotTo(HaveOccurred())
	})

	It("should persist a wake with its session, window and telemetry", func() {
		ctx := context.Background()
		f := createLineage("UTC", "0 8,16 * * *")

		today := time.Now().UTC()
		capturedAt := time.Date(today.Year(), today.Month(), today.Day(), 8, 4, 0, 0, time.UTC)

		result, err := handler.HandleWake(ctx, &ingest.WakeRequest{
			DeviceRef:  f.Device.MACAddress,
			CapturedAt: capturedAt,
			ImageName:  "0804.jpg",
			Telemetry: map[string]float64{
				"temperature":     21.5,
				"humidity":        64.0,
				"battery_voltage": 3.9,
			},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Overage).To(BeFalse())
		Expect(result.ImageID).NotTo(BeNil())

		var payload store.WakePayload
		Expect(testDB.First(&payload, result.PayloadID).Error).NotTo(HaveOccurred())
		Expect(payload.WakeWindowIndex).To(Equal(1))
		Expect(payload.TemperatureC).To(Equal(21.5))
		Expect(payload.BatteryPercent).To(BeNumerically("~", 75.0, 0.1))

		var device store.Device
		Expect(testDB.First(&device, f.Device.ID).Error).NotTo(HaveOccurred())
		Expect(device.LastSeenAt).NotTo(BeNil())
		Expect(device.NextWakeAt).NotTo(BeNil())
		Expect(device.NextWakeAt.After(capturedAt)).To(BeTrue())
	})

	It("should flag an off-schedule wake as overage without rejecting it", func() {
		ctx := context.Background()
		f := createLineage("UTC", "0 8,16 * * *")

		today := time.Now().UTC()
		capturedAt := time.Date(today.Year(), today.Month(), today.Day(), 13, 0, 0, 0, time.UTC)

		result, err := handler.HandleWake(ctx, &ingest.WakeRequest{
			DeviceRef:  f.Device.DeviceCode,
			CapturedAt: capturedAt,
			Telemetry:  map[string]float64{"temperature": 22.0},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Overage).To(BeTrue())

		var payload store.WakePayload
		Expect(testDB.First(&payload, result.PayloadID).Error).NotTo(HaveOccurred())
		Expect(payload.Overage).To(BeTrue())
	})

	It("should assemble a chunked transfer and drain the buffer gauge", func() {
		ctx := context.Background()
		f := createLineage("UTC", "0 8,16 * * *")

		today := time.Now().UTC()
		capturedAt := time.Date(today.Year(), today.Month(), today.Day(), 8, 0, 0, 0, time.UTC)

		result, err := handler.HandleWake(ctx, &ingest.WakeRequest{
			DeviceRef:  f.Device.MACAddress,
			CapturedAt: capturedAt,
			ImageName:  "chunked.jpg",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(result.ImageID).NotTo(BeNil())

		buffer, err := ingest.NewChunkBuffer(rdb, time.Hour)
		Expect(err).NotTo(HaveOccurred())
		blobs, err := ingest.NewFileStore(GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())
		metered, err := ingest.NewChunkTracker(&ingest.TrackerConfig{
			Logger:  testLogger,
			DB:      testDB,
			Buffer:  buffer,
			Blobs:   blobs,
			Metrics: testMetrics,
		})
		Expect(err).NotTo(HaveOccurred())

		before := testutil.ToFloat64(testMetrics.ChunkBufferEntries)

		Expect(metered.HandleMeta(ctx, f.Device.MACAddress, "chunked.jpg", 2)).To(Succeed())
		Expect(testutil.ToFloat64(testMetrics.ChunkBufferEntries)).To(Equal(before + 1))

		Expect(metered.HandleChunk(ctx, f.Device.MACAddress, "chunked.jpg", 0, []byte("front"))).To(Succeed())
		Expect(testutil.ToFloat64(testMetrics.ChunkBufferEntries)).To(Equal(before + 1))

		Expect(metered.HandleChunk(ctx, f.Device.MACAddress, "chunked.jpg", 1, []byte("back"))).To(Succeed())
		Expect(testutil.ToFloat64(testMetrics.ChunkBufferEntries)).To(Equal(before))

		var image store.DeviceImage
		Expect(testDB.First(&image, *result.ImageID).Error).NotTo(HaveOccurred())
		Expect(image.Status).To(Equal(store.ImageComplete))
		Expect(image.StorageURL).NotTo(BeEmpty())
		Expect(image.ReceivedChunks).To(Equal(2))
	})

	It("should apply image retries in place, never duplicating the row", func() {
		ctx := context.Background()
		f := createLineage("UTC", "")

		capturedAt := time.Now().UTC().Add(-2 * time.Hour)
		image := store.DeviceImage{
			DeviceID:   f.Device.ID,
			ImageName:  "retry-target.jpg",
			CapturedAt: capturedAt,
			Status:     store.ImageFailed,
		}
		Expect(testDB.Create(&image).Error).NotTo(HaveOccurred())

		first, err := tracker.Retry(ctx, f.Device.MACAddress, "retry-target.jpg", "file:///images/retry-target.jpg")
		Expect(err).NotTo(HaveOccurred())
		Expect(first.ID).To(Equal(image.ID))
		Expect(first.Status).To(Equal(store.ImageComplete))
		Expect(first.RetryCount).To(Equal(1))
		Expect(first.ResentReceivedAt).NotTo(BeNil())
		Expect(first.CapturedAt.Unix()).To(Equal(capturedAt.Unix()))

		second, err := tracker.Retry(ctx, f.Device.MACAddress, "retry-target.jpg", "file:///images/retry-target.jpg")
		Expect(err).NotTo(HaveOccurred())
		Expect(second.ID).To(Equal(image.ID))
		Expect(second.RetryCount).To(Equal(2))
		Expect(second.CapturedAt.Unix()).To(Equal(capturedAt.Unix()))

		var count int64
		Expect(testDB.Model(&store.DeviceImage{}).
			Where("device_id = ? AND image_name = ?", f.Device.ID, "retry-target.jpg").
			Count(&count).Error).NotTo(HaveOccurred())
		Expect(count).To(Equal(int64(1)))
	})
})
