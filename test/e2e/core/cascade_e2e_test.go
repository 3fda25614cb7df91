package core

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"brainlytree.dev/moldwatch/internal/cascade"
	"brainlytree.dev/moldwatch/internal/outlier"
	"brainlytree.dev/moldwatch/internal/review"
	"brainlytree.dev/moldwatch/internal/store"
)

var _ = Describe("Score cascade E2E", func() {
	var (
		casc      *cascade.Cascade
		reviewSvc *review.Service
	)

	BeforeEach(func() {
		sink, err := cascade.NewErrorSink(testLogger, testDB)
		Expect(err).NotTo(HaveOccurred())

		scanner, err := outlier.NewScanner(&outlier.ScannerConfig{
			Logger: testLogger,
			DB:     testDB,
		})
		Expect(err).NotTo(HaveOccurred())

		casc, err = cascade.New(&cascade.Config{
			Logger:  testLogger,
			DB:      testDB,
			Sink:    sink,
			Outlier: scanner,
		})
		Expect(err).NotTo(HaveOccurred())

		reviewSvc, err = review.NewService(&review.ServiceConfig{
			Logger:     testLogger,
			DB:         testDB,
			Propagator: casc,
		})
		Expect(err).NotTo(HaveOccurred())
	})

	createImage := func(deviceID uint, name string, capturedAt time.Time) *store.DeviceImage {
		image := store.DeviceImage{
			DeviceID:   deviceID,
			ImageName:  name,
			CapturedAt: capturedAt,
			Status:     store.ImageComplete,
		}
		Expect(testDB.Create(&image).Error).NotTo(HaveOccurred())
		return &image
	}

	It("should derive velocity, speed and the device rollup from a score", func() {
		ctx := context.Background()
		f := createLineage("UTC", "")
		base := time.Now().UTC().Add(-48 * time.Hour)

		first := createImage(f.Device.ID, "day1.jpg", base)
		scored, err := casc.OnScore(ctx, first.ID, 0.20, 0.95)
		Expect(err).NotTo(HaveOccurred())
		Expect(scored.Velocity).NotTo(BeNil())
		Expect(*scored.Velocity).To(BeZero())
		Expect(scored.Speed).NotTo(BeNil())
		Expect(*scored.Speed).To(BeNumerically(">", 0))

		second := createImage(f.Device.ID, "day2.jpg", base.Add(24*time.Hour))
		scored, err = casc.OnScore(ctx, second.ID, 0.26, 0.95)
		Expect(err).NotTo(HaveOccurred())
		Expect(*scored.Velocity).To(BeNumerically("~", 0.06, 1e-9))

		var device store.Device
		Expect(testDB.First(&device, f.Device.ID).Error).NotTo(HaveOccurred())
		Expect(device.LatestScore).NotTo(BeNil())
		Expect(*device.LatestScore).To(BeNumerically("~", 0.26, 1e-9))
	})

	It("should never let an out-of-order score regress the rollup", func() {
		ctx := context.Background()
		f := createLineage("UTC", "")
		base := time.Now().UTC().Add(-72 * time.Hour)

		newer := createImage(f.Device.ID, "newer.jpg", base.Add(48*time.Hour))
		older := createImage(f.Device.ID, "older.jpg", base)

		_, err := casc.OnScore(ctx, newer.ID, 0.40, 0.9)
		Expect(err).NotTo(HaveOccurred())
		_, err = casc.OnScore(ctx, older.ID, 0.10, 0.9)
		Expect(err).NotTo(HaveOccurred())

		var device store.Device
		Expect(testDB.First(&device, f.Device.ID).Error).NotTo(HaveOccurred())
		Expect(*device.LatestScore).To(BeNumerically("~", 0.40, 1e-9))
	})

	It("should reject out-of-range scores and unscoreable images", func() {
		ctx := context.Background()
		f := createLineage("UTC", "")

		_, err := casc.OnScore(ctx, 999999, 1.5, 0.9)
		Expect(err).To(MatchError(cascade.ErrInvalidScore))

		pending := store.DeviceImage{
			DeviceID:   f.Device.ID,
			ImageName:  "pending.jpg",
			CapturedAt: time.Now().UTC(),
			Status:     store.ImageReceiving,
		}
		Expect(testDB.Create(&pending).Error).NotTo(HaveOccurred())

		_, err = casc.OnScore(ctx, pending.ID, 0.5, 0.9)
		Expect(err).To(MatchError(cascade.ErrImageNotScorable))
	})

	It("should propagate an override forward and keep the audit trail", func() {
		ctx := context.Background()
		f := createLineage("UTC", "")
		base := time.Now().UTC().Add(-96 * time.Hour)

		images := make([]*store.DeviceImage, 3)
		scores := []float64{0.10, 0.60, 0.18}
		for i := range images {
			images[i] = createImage(f.Device.ID, []string{"d1.jpg", "d2.jpg", "d3.jpg"}[i], base.Add(time.Duration(i)*24*time.Hour))
			_, err := casc.OnScore(ctx, images[i].ID, scores[i], 0.9)
			Expect(err).NotTo(HaveOccurred())
		}

		// The middle reading was implausible; correct it to 0.14.
		Expect(reviewSvc.Override(ctx, images[1].ID, 0.14, "qa@example.com", "sensor glare")).To(Succeed())

		var corrected store.DeviceImage
		Expect(testDB.First(&corrected, images[1].ID).Error).NotTo(HaveOccurred())
		Expect(corrected.QAStatus).To(Equal(store.QAReviewed))
		Expect(corrected.OriginalScore).NotTo(BeNil())
		Expect(*corrected.OriginalScore).To(BeNumerically("~", 0.60, 1e-9))
		Expect(corrected.AdjustedScore).NotTo(BeNil())
		Expect(*corrected.AdjustedScore).To(BeNumerically("~", 0.14, 1e-9))

		// The later image's velocity now chains from the corrected score.
		var tail store.DeviceImage
		Expect(testDB.First(&tail, images[2].ID).Error).NotTo(HaveOccurred())
		Expect(tail.Velocity).NotTo(BeNil())
		Expect(*tail.Velocity).To(BeNumerically("~", 0.04, 1e-9))

		var audits int64
		Expect(testDB.Model(&store.AuditEntry{}).
			Where("image_id = ?", images[1].ID).
			Count(&audits).Error).NotTo(HaveOccurred())
		Expect(audits).To(BeNumerically(">=", 1))
	})
})
