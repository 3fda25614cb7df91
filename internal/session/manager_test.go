package session_test

import (
	"log/slog"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"brainlytree.dev/moldwatch/internal/session"
)

var _ = Describe("Manager", func() {
	var logger *slog.Logger

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	})

	Describe("NewManager", func() {
		It("should return error when config is nil", func() {
			m, err := session.NewManager(nil)
			Expect(err).To(HaveOccurred())
			Expect(m).To(BeNil())
		})

		It("should return error when logger is nil", func() {
			m, err := session.NewManager(&session.ManagerConfig{})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("logger"))
			Expect(m).To(BeNil())
		})

		It("should return error when database is nil", func() {
			m, err := session.NewManager(&session.ManagerConfig{Logger: logger})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("database"))
			Expect(m).To(BeNil())
		})
	})

	Describe("LocalDay", func() {
		It("should bucket an instant into its site-local calendar day", func() {
			chicago, err := time.LoadLocation("America/Chicago")
			Expect(err).NotTo(HaveOccurred())

			// 03:30 UTC is still the previous evening in Chicago.
			at := time.Date(2026, 6, 10, 3, 30, 0, 0, time.UTC)
			date, start, end := session.LocalDay(at, chicago)

			Expect(date).To(Equal("2026-06-09"))
			Expect(start.Before(at)).To(BeTrue())
			Expect(end.After(at)).To(BeTrue())
			Expect(end.Sub(start)).To(Equal(24 * time.Hour))
		})

		It("should use UTC boundaries for UTC sites", func() {
			at := time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC)
			date, start, _ := session.LocalDay(at, time.UTC)

			Expect(date).To(Equal("2026-06-10"))
			Expect(start).To(Equal(at))
		})

		It("should keep a wake just after local midnight in the new day", func() {
			berlin, err := time.LoadLocation("Europe/Berlin")
			Expect(err).NotTo(HaveOccurred())

			// 22:05 UTC on the 9th is 00:05 on the 10th in Berlin (summer).
			at := time.Date(2026, 6, 9, 22, 5, 0, 0, time.UTC)
			date, _, _ := session.LocalDay(at, berlin)
			Expect(date).To(Equal("2026-06-10"))
		})
	})

	Describe("NewOpener", func() {
		It("should reject a nil manager", func() {
			o, err := session.NewOpener(&session.OpenerConfig{Logger: logger})
			Expect(err).To(HaveOccurred())
			Expect(o).To(BeNil())
		})

		It("should reject a nil config", func() {
			o, err := session.NewOpener(nil)
			Expect(err).To(HaveOccurred())
			Expect(o).To(BeNil())
		})
	})
})
