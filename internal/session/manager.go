// Package session owns the day-bucketed session record per site and its
// pending → in_progress → locked state machine. The get-or-create path is
// the single serialization point per (site, day): every status transition
// is an optimistic compare-and-swap on the session's version column guarded
// by status <> locked, so a locked session can never be reverted.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"brainlytree.dev/moldwatch/internal/lineage"
	"brainlytree.dev/moldwatch/internal/schedule"
	"brainlytree.dev/moldwatch/internal/store"
	"brainlytree.dev/moldwatch/pkg/metrics"
)

// ErrConflict is returned when a compare-and-swap loses a race and the
// resulting state cannot absorb the requested transition.
var ErrConflict = errors.New("session was modified concurrently")

// SessionWindow is the maximum age of an in_progress session before the
// lock rule applies.
const SessionWindow = 24 * time.Hour

// ManagerConfig holds the configuration for the Manager.
type ManagerConfig struct {
	Logger  *slog.Logger
	DB      *gorm.DB
	Policy  schedule.Policy
	Metrics *metrics.IngestMetrics // optional
}

// Manager implements the session state machine.
type Manager struct {
	logger  *slog.Logger
	db      *gorm.DB
	policy  schedule.Policy
	metrics *metrics.IngestMetrics
}

// NewManager creates a new Manager instance.
func NewManager(cfg *ManagerConfig) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("manager config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.DB == nil {
		return nil, errors.New("database cannot be nil")
	}

	policy := cfg.Policy
	if policy.FallbackIntervalHours <= 0 {
		policy = schedule.DefaultPolicy()
	}

	return &Manager{
		logger:  cfg.Logger,
		db:      cfg.DB,
		policy:  policy,
		metrics: cfg.Metrics,
	}, nil
}

// LocalDay computes the site-local calendar day containing t, returning the
// date key and the UTC instants of its midnight boundaries.
func LocalDay(t time.Time, loc *time.Location) (date string, startUTC, endUTC time.Time) {
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, 1)
	return start.Format("2006-01-02"), start.UTC(), end.UTC()
}

// GetOrCreate resolves the session for the given site and instant, creating
// it on demand (late wakes after a midnight boundary land here). Expired
// sessions for the site are locked first; that ordering is what prevents
// the opener/ingest race. markActive moves a pending session to in_progress.
// A locked session is returned as-is: payloads may still attach to it, but
// its status never changes again.
func (m *Manager) GetOrCreate(ctx context.Context, site store.Site, loc *time.Location, at time.Time, markActive bool) (*store.SiteDeviceSession, error) {
	if _, err := m.lockExpiredForSite(ctx, site.ID, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("failed to lock expired sessions for site %d: %w", site.ID, err)
	}

	date, startUTC, endUTC := LocalDay(at, loc)

	sess, err := m.fetch(ctx, site.ID, date)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		status := store.SessionPending
		if markActive {
			status = store.SessionInProgress
		}
		sess = &store.SiteDeviceSession{
			SiteID:      site.ID,
			SessionDate: date,
			StartsAt:    startUTC,
			EndsAt:      endUTC,
			Status:      status,
		}
		if err := m.db.WithContext(ctx).Create(sess).Error; err != nil {
			// A concurrent wake or the opener may have inserted the same
			// (site, day) row; the unique index decides, we refetch.
			refetched, ferr := m.fetch(ctx, site.ID, date)
			if ferr != nil {
				return nil, fmt.Errorf("failed to create session for site %d day %s: %w", site.ID, date, err)
			}
			sess = refetched
		} else {
			if m.metrics != nil {
				m.metrics.SessionsOpened.Inc()
			}
			m.logger.Info("session created",
				"site_id", site.ID,
				"session_date", date,
				"status", sess.Status,
			)
		}
	}

	if markActive && sess.Status == store.SessionPending {
		if err := m.transition(ctx, sess, store.SessionInProgress); err != nil && !errors.Is(err, ErrConflict) {
			return nil, err
		}
		// On conflict the reloaded status stands, locked included.
	}

	return sess, nil
}

// fetch loads the session row for (site, day).
func (m *Manager) fetch(ctx context.Context, siteID uint, date string) (*store.SiteDeviceSession, error) {
	var sess store.SiteDeviceSession
	err := m.db.WithContext(ctx).
		Where("site_id = ? AND session_date = ?", siteID, date).
		First(&sess).Error
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// transition applies a guarded status change. The WHERE clause carries the
// whole invariant: current version must match and the row must not be
// locked. Zero rows affected means we lost the race; the caller gets the
// reloaded row and ErrConflict.
func (m *Manager) transition(ctx context.Context, sess *store.SiteDeviceSession, newStatus string) error {
	updates := map[string]interface{}{
		"status":  newStatus,
		"version": sess.Version + 1,
	}
	if newStatus == store.SessionLocked {
		now := time.Now().UTC()
		updates["locked_at"] = &now
	}

	res := m.db.WithContext(ctx).
		Model(&store.SiteDeviceSession{}).
		Where("id = ? AND version = ? AND status <> ?", sess.ID, sess.Version, store.SessionLocked).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to transition session %d: %w", sess.ID, res.Error)
	}

	if res.RowsAffected == 0 {
		reloaded, err := m.fetch(ctx, sess.SiteID, sess.SessionDate)
		if err != nil {
			return fmt.Errorf("failed to reload session %d after conflict: %w", sess.ID, err)
		}
		*sess = *reloaded
		return ErrConflict
	}

	sess.Status = newStatus
	sess.Version++
	if newStatus == store.SessionLocked && m.metrics != nil {
		m.metrics.SessionsLocked.Inc()
	}
	return nil
}

// LockExpired locks every session still open past its end time or older
// than the 24-hour window. Returns the number of sessions locked.
func (m *Manager) LockExpired(ctx context.Context, now time.Time) (int, error) {
	return m.lockExpired(ctx, now, nil)
}

func (m *Manager) lockExpiredForSite(ctx context.Context, siteID uint, now time.Time) (int, error) {
	return m.lockExpired(ctx, now, &siteID)
}

func (m *Manager) lockExpired(ctx context.Context, now time.Time, siteID *uint) (int, error) {
	q := m.db.WithContext(ctx).
		Where("status <> ?", store.SessionLocked).
		Where("ends_at <= ? OR starts_at <= ?", now, now.Add(-SessionWindow))
	if siteID != nil {
		q = q.Where("site_id = ?", *siteID)
	}

	var expired []store.SiteDeviceSession
	if err := q.Find(&expired).Error; err != nil {
		return 0, fmt.Errorf("failed to list expired sessions: %w", err)
	}

	locked := 0
	for i := range expired {
		sess := &expired[i]
		err := m.transition(ctx, sess, store.SessionLocked)
		if errors.Is(err, ErrConflict) {
			// Someone else advanced it; if they locked it we are done with it.
			continue
		}
		if err != nil {
			return locked, err
		}
		locked++
		m.logger.Info("session locked",
			"site_id", sess.SiteID,
			"session_date", sess.SessionDate,
		)
	}
	return locked, nil
}

// Counters are the read-time wake aggregates for a session. They are always
// derived from wake_payloads and device_images rather than maintained as
// mutable counters, so retries and concurrent wakes cannot drift them.
type Counters struct {
	Expected  int `json:"expected"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Extra     int `json:"extra"`
}

// Counters computes the aggregate view for a session.
func (m *Manager) Counters(ctx context.Context, sessionID uint) (Counters, error) {
	var sess store.SiteDeviceSession
	if err := m.db.WithContext(ctx).First(&sess, sessionID).Error; err != nil {
		return Counters{}, fmt.Errorf("failed to fetch session %d: %w", sessionID, err)
	}

	c := Counters{Expected: sess.ExpectedWakes}

	var completed, extra, failed int64
	if err := m.db.WithContext(ctx).Model(&store.WakePayload{}).
		Where("session_id = ? AND payload_status = ? AND overage = false", sessionID, "complete").
		Count(&completed).Error; err != nil {
		return Counters{}, fmt.Errorf("failed to count completed wakes: %w", err)
	}
	if err := m.db.WithContext(ctx).Model(&store.WakePayload{}).
		Where("session_id = ? AND overage = true", sessionID).
		Count(&extra).Error; err != nil {
		return Counters{}, fmt.Errorf("failed to count extra wakes: %w", err)
	}
	if err := m.db.WithContext(ctx).Model(&store.DeviceImage{}).
		Where("session_id = ? AND status = ?", sessionID, store.ImageFailed).
		Count(&failed).Error; err != nil {
		return Counters{}, fmt.Errorf("failed to count failed images: %w", err)
	}

	c.Completed = int(completed)
	c.Extra = int(extra)
	c.Failed = int(failed)
	return c, nil
}

// OpenDay runs the midnight-open pass: for every site with at least one
// active mapped device, apply schedule changes due today, recompute the
// expected wake count, and get-or-create today's session. Sites without a
// program assignment are rejected and logged. Expired sessions are locked
// inside GetOrCreate, before any create or update, which is what keeps this
// job safe to run concurrently with live ingestion.
func (m *Manager) OpenDay(ctx context.Context, now time.Time) error {
	var sites []store.Site
	err := m.db.WithContext(ctx).
		Where("id IN (?)", m.db.Model(&store.Device{}).
			Select("site_id").
			Where("active = true AND site_id IS NOT NULL")).
		Find(&sites).Error
	if err != nil {
		return fmt.Errorf("failed to list sites with active devices: %w", err)
	}

	for i := range sites {
		if err := m.openSiteDay(ctx, sites[i], now); err != nil {
			if errors.Is(err, lineage.ErrNoProgram) {
				m.logger.Error("site has no program assignment, skipping",
					"site_id", sites[i].ID,
					"error", err,
				)
				continue
			}
			return err
		}
	}
	return nil
}

func (m *Manager) openSiteDay(ctx context.Context, site store.Site, now time.Time) error {
	if site.ProgramID == nil {
		return fmt.Errorf("site %d: %w", site.ID, lineage.ErrNoProgram)
	}

	loc, err := time.LoadLocation(site.Timezone)
	if err != nil {
		loc = time.UTC
	}
	date, _, _ := LocalDay(now, loc)

	var devices []store.Device
	if err := m.db.WithContext(ctx).
		Where("site_id = ? AND active = true", site.ID).
		Find(&devices).Error; err != nil {
		return fmt.Errorf("failed to list devices for site %d: %w", site.ID, err)
	}
	if len(devices) == 0 {
		return nil
	}

	expected := 0
	for i := range devices {
		if err := m.applyDueScheduleChanges(ctx, &devices[i], date); err != nil {
			return err
		}
		expected += schedule.Parse(devices[i].WakeSchedule, m.policy).WakesPerDay()
	}

	sess, err := m.GetOrCreate(ctx, site, loc, now, false)
	if err != nil {
		return err
	}

	if sess.Status != store.SessionLocked && sess.ExpectedWakes != expected {
		res := m.db.WithContext(ctx).
			Model(&store.SiteDeviceSession{}).
			Where("id = ? AND status <> ?", sess.ID, store.SessionLocked).
			Update("expected_wakes", expected)
		if res.Error != nil {
			return fmt.Errorf("failed to update expected wakes for session %d: %w", sess.ID, res.Error)
		}
	}

	return nil
}

// applyDueScheduleChanges applies any unapplied schedule change whose
// effective date has arrived, newest effective date last so it wins.
func (m *Manager) applyDueScheduleChanges(ctx context.Context, device *store.Device, localDate string) error {
	var changes []store.ScheduleChange
	err := m.db.WithContext(ctx).
		Where("device_id = ? AND applied_at IS NULL AND effective_date <= ?", device.ID, localDate).
		Order("effective_date asc").
		Find(&changes).Error
	if err != nil {
		return fmt.Errorf("failed to list schedule changes for device %d: %w", device.ID, err)
	}

	for i := range changes {
		change := &changes[i]
		now := time.Now().UTC()
		if err := m.db.WithContext(ctx).Model(change).Update("applied_at", &now).Error; err != nil {
			return fmt.Errorf("failed to mark schedule change %d applied: %w", change.ID, err)
		}
		device.WakeSchedule = change.NewSchedule
		if err := m.db.WithContext(ctx).Model(device).Update("wake_schedule", change.NewSchedule).Error; err != nil {
			return fmt.Errorf("failed to apply schedule change %d: %w", change.ID, err)
		}
		m.logger.Info("schedule change applied",
			"device", device.DeviceCode,
			"schedule", change.NewSchedule,
			"effective_date", change.EffectiveDate,
		)
	}
	return nil
}
