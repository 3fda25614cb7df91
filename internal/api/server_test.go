package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"

	"brainlytree.dev/moldwatch/internal/api"
	"brainlytree.dev/moldwatch/internal/cascade"
	"brainlytree.dev/moldwatch/internal/ingest"
	"brainlytree.dev/moldwatch/internal/review"
	"brainlytree.dev/moldwatch/internal/snapshot"
	"brainlytree.dev/moldwatch/internal/store"
)

type stubIngestor struct {
	lastReq *ingest.WakeRequest
	result  *ingest.WakeResult
	err     error
}

func (s *stubIngestor) HandleWake(_ context.Context, req *ingest.WakeRequest) (*ingest.WakeResult, error) {
	s.lastReq = req
	return s.result, s.err
}

type stubRetrier struct {
	image *store.DeviceImage
	err   error
}

func (s *stubRetrier) Retry(_ context.Context, _, _, _ string) (*store.DeviceImage, error) {
	return s.image, s.err
}

type stubScores struct {
	image *store.DeviceImage
	err   error
}

func (s *stubScores) OnScore(_ context.Context, _ uint, _, _ float64) (*store.DeviceImage, error) {
	return s.image, s.err
}

type stubAlerts struct{ err error }

func (s *stubAlerts) Resolve(_ context.Context, _ uint, _, _ string) error { return s.err }
func (s *stubAlerts) ThresholdsFor(_ context.Context, _ uint) (*store.AlertThresholdConfig, error) {
	return nil, s.err
}

type stubSnapshots struct {
	snap *snapshot.SiteSnapshot
	err  error
}

func (s *stubSnapshots) Build(_ context.Context, _ uint, _ int) (*snapshot.SiteSnapshot, error) {
	return s.snap, s.err
}

type stubReview struct {
	item *store.ReviewQueueItem
	err  error
}

func (s *stubReview) Flag(_ context.Context, _ uint, _, _ string) (*store.ReviewQueueItem, error) {
	return s.item, s.err
}
func (s *stubReview) Override(_ context.Context, _ uint, _ float64, _, _ string) error {
	return s.err
}
func (s *stubReview) BulkOverride(_ context.Context, ids []uint, _ float64, _, _ string) map[uint]error {
	out := make(map[uint]error)
	if s.err != nil {
		for _, id := range ids {
			out[id] = s.err
		}
	}
	return out
}
func (s *stubReview) LogExport(_ context.Context, _ uint, _ string) ([]store.AuditEntry, error) {
	return nil, s.err
}
func (s *stubReview) PendingItems(_ context.Context, _ int) ([]store.ReviewQueueItem, error) {
	return nil, s.err
}

var _ = Describe("Server", func() {
	var (
		ingestor *stubIngestor
		scores   *stubScores
		rev      *stubReview
		server   *api.Server
	)

	newServer := func() *api.Server {
		s, err := api.NewServer(&api.Config{
			Logger:     slog.Default(),
			ListenAddr: ":0",
			DB:         &gorm.DB{Config: &gorm.Config{}},
			Ingestor:   ingestor,
			Retrier:    &stubRetrier{image: &store.DeviceImage{ID: 7}},
			Scores:     scores,
			Alerts:     &stubAlerts{},
			Snapshots:  &stubSnapshots{snap: &snapshot.SiteSnapshot{SessionID: 3}},
			Review:     rev,
		})
		Expect(err).NotTo(HaveOccurred())
		return s
	}

	BeforeEach(func() {
		ingestor = &stubIngestor{result: &ingest.WakeResult{SessionID: 11, PayloadID: 42}}
		scores = &stubScores{image: &store.DeviceImage{ID: 5}}
		rev = &stubReview{item: &store.ReviewQueueItem{ItemID: "abc"}}
		server = newServer()
	})

	do := func(method, path string, body interface{}) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		if body != nil {
			Expect(json.NewEncoder(&buf).Encode(body)).To(Succeed())
		}
		req := httptest.NewRequest(method, path, &buf)
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		server.Engine().ServeHTTP(rec, req)
		return rec
	}

	Describe("NewServer", func() {
		It("should reject a nil config", func() {
			s, err := api.NewServer(nil)
			Expect(err).To(HaveOccurred())
			Expect(s).To(BeNil())
		})

		It("should reject a config missing services", func() {
			s, err := api.NewServer(&api.Config{
				Logger:     slog.Default(),
				ListenAddr: ":0",
				DB:         &gorm.DB{Config: &gorm.Config{}},
			})
			Expect(err).To(HaveOccurred())
			Expect(s).To(BeNil())
		})
	})

	Describe("POST /api/v1/wakes", func() {
		It("should accept a wake and return the created rows", func() {
			rec := do(http.MethodPost, "/api/v1/wakes", map[string]interface{}{
				"device_id":   "AA:BB:CC:DD:EE:FF",
				"captured_at": time.Now().UTC().Format(time.RFC3339),
				"telemetry":   map[string]float64{"temperature": 21.5},
			})
			Expect(rec.Code).To(Equal(http.StatusCreated))
			Expect(ingestor.lastReq).NotTo(BeNil())
			Expect(ingestor.lastReq.DeviceRef).To(Equal("AA:BB:CC:DD:EE:FF"))

			var out ingest.WakeResult
			Expect(json.Unmarshal(rec.Body.Bytes(), &out)).To(Succeed())
			Expect(out.SessionID).To(Equal(uint(11)))
		})

		It("should reject a body without a device reference", func() {
			rec := do(http.MethodPost, "/api/v1/wakes", map[string]interface{}{
				"captured_at": time.Now().UTC().Format(time.RFC3339),
			})
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("POST /api/v1/scores", func() {
		It("should map an invalid score onto 400", func() {
			scores.image = nil
			scores.err = cascade.ErrInvalidScore
			rec := do(http.MethodPost, "/api/v1/scores", map[string]interface{}{
				"image_id": 5,
				"score":    1.7,
			})
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("should return the cascade result", func() {
			rec := do(http.MethodPost, "/api/v1/scores", map[string]interface{}{
				"image_id":   5,
				"score":      0.42,
				"confidence": 0.9,
			})
			Expect(rec.Code).To(Equal(http.StatusOK))
		})

		It("should accept an explicit zero score", func() {
			rec := do(http.MethodPost, "/api/v1/scores", map[string]interface{}{
				"image_id": 5,
				"score":    0,
			})
			Expect(rec.Code).To(Equal(http.StatusOK))
		})
	})

	Describe("POST /api/v1/images/retry", func() {
		It("should map an unknown image onto 404", func() {
			server = newServerWithRetryErr(ingestor, scores, rev)
			rec := do(http.MethodPost, "/api/v1/images/retry", map[string]interface{}{
				"device_id":  "CAM-0001",
				"image_name": "0800.jpg",
			})
			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})
	})

	Describe("review routes", func() {
		It("should flag an image", func() {
			rec := do(http.MethodPost, "/api/v1/review/flag", map[string]interface{}{
				"image_id": 5,
				"actor":    "qa@example.com",
			})
			Expect(rec.Code).To(Equal(http.StatusCreated))
		})

		It("should map a missing image onto 404 on override", func() {
			rev.err = review.ErrImageNotFound
			rec := do(http.MethodPost, "/api/v1/review/override", map[string]interface{}{
				"image_id": 99,
				"score":    0.2,
				"actor":    "qa@example.com",
			})
			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})
	})

	Describe("GET /api/v1/sessions/:id/snapshots/:wake", func() {
		It("should reject a non-positive wake number", func() {
			rec := do(http.MethodGet, "/api/v1/sessions/3/snapshots/0", nil)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("should return the rendered snapshot", func() {
			rec := do(http.MethodGet, "/api/v1/sessions/3/snapshots/2", nil)
			Expect(rec.Code).To(Equal(http.StatusOK))

			var snap snapshot.SiteSnapshot
			Expect(json.Unmarshal(rec.Body.Bytes(), &snap)).To(Succeed())
			Expect(snap.SessionID).To(Equal(uint(3)))
		})
	})
})

func newServerWithRetryErr(ingestor *stubIngestor, scores *stubScores, rev *stubReview) *api.Server {
	s, err := api.NewServer(&api.Config{
		Logger:     slog.Default(),
		ListenAddr: ":0",
		DB:         &gorm.DB{Config: &gorm.Config{}},
		Ingestor:   ingestor,
		Retrier:    &stubRetrier{err: ingest.ErrImageNotFound},
		Scores:     scores,
		Alerts:     &stubAlerts{},
		Snapshots:  &stubSnapshots{snap: &snapshot.SiteSnapshot{}},
		Review:     rev,
	})
	Expect(err).NotTo(HaveOccurred())
	return s
}
