package ingest_test

import (
	"context"
	"log/slog"
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"brainlytree.dev/moldwatch/internal/ingest"
)

var _ = Describe("Handler", func() {
	var logger *slog.Logger

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	})

	Describe("NewHandler", func() {
		It("should return error when config is nil", func() {
			h, err := ingest.NewHandler(nil)
			Expect(err).To(HaveOccurred())
			Expect(h).To(BeNil())
		})

		It("should return error when logger is nil", func() {
			h, err := ingest.NewHandler(&ingest.HandlerConfig{})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("logger"))
			Expect(h).To(BeNil())
		})

		It("should return error when database is nil", func() {
			h, err := ingest.NewHandler(&ingest.HandlerConfig{Logger: logger})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("database"))
			Expect(h).To(BeNil())
		})
	})

	Describe("NewConsumer", func() {
		It("should validate its configuration", func() {
			c, err := ingest.NewConsumer(nil)
			Expect(err).To(HaveOccurred())
			Expect(c).To(BeNil())

			c, err = ingest.NewConsumer(&ingest.ConsumerConfig{Logger: logger})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("handler"))
			Expect(c).To(BeNil())
		})
	})

	Describe("NewChunkTracker", func() {
		It("should validate its configuration", func() {
			t, err := ingest.NewChunkTracker(nil)
			Expect(err).To(HaveOccurred())
			Expect(t).To(BeNil())

			t, err = ingest.NewChunkTracker(&ingest.TrackerConfig{Logger: logger})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("database"))
			Expect(t).To(BeNil())
		})
	})

	Describe("NewFileStore", func() {
		It("should reject an empty directory", func() {
			s, err := ingest.NewFileStore("")
			Expect(err).To(HaveOccurred())
			Expect(s).To(BeNil())
		})

		It("should save images under unique names", func() {
			dir := GinkgoT().TempDir()
			s, err := ingest.NewFileStore(dir)
			Expect(err).NotTo(HaveOccurred())

			p1, err := s.Save(context.Background(), "img.jpg", []byte("one"))
			Expect(err).NotTo(HaveOccurred())
			Expect(p1).To(ContainSubstring("img.jpg"))

			data, err := os.ReadFile(p1)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal("one"))
		})
	})
})
