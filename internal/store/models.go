// Package store holds the GORM models and database bootstrap for the
// wake-ingestion core. Companies, programs and sites are owned by external
// collaborators; the core only reads them to resolve device lineage.
package store

import (
	"time"

	"gorm.io/gorm"
)

// Session lifecycle states. Locked is terminal.
const (
	SessionPending    = "pending"
	SessionInProgress = "in_progress"
	SessionLocked     = "locked"
)

// Image transfer states.
const (
	ImagePending   = "pending"
	ImageReceiving = "receiving"
	ImageComplete  = "complete"
	ImageFailed    = "failed"
)

// QA states for externally scored images.
const (
	QANone          = ""
	QAPendingReview = "pending_review"
	QAReviewed      = "reviewed"
)

// Review queue states.
const (
	ReviewPending    = "pending"
	ReviewOverridden = "overridden"
)

// Alert severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Company represents a tenant. Read-only to the core.
type Company struct {
	ID        uint      `gorm:"primaryKey"`
	Name      string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName specifies the table name for Company model.
func (Company) TableName() string {
	return "companies"
}

// Program represents a monitoring program within a company. Read-only to the
// core; StartDate anchors growth-speed computation.
type Program struct {
	ID        uint      `gorm:"primaryKey"`
	CompanyID *uint     `gorm:"index"`
	Name      string    `gorm:"not null"`
	StartDate time.Time `gorm:"not null"`
	EndDate   *time.Time
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName specifies the table name for Program model.
func (Program) TableName() string {
	return "programs"
}

// Site represents a physical deployment location. Read-only to the core.
// Timezone is an IANA zone name; session day boundaries are computed in it.
type Site struct {
	ID        uint   `gorm:"primaryKey"`
	ProgramID *uint  `gorm:"index"`
	Name      string `gorm:"not null"`
	Timezone  string `gorm:"not null;default:UTC"`
	Latitude  float64
	Longitude float64
	Zone      string
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName specifies the table name for Site model.
func (Site) TableName() string {
	return "sites"
}

// Device represents a field-deployed sensor/camera unit. Rollup fields hold
// the newest observed score and velocity; they are only advanced, never
// clobbered by out-of-order arrivals.
type Device struct {
	MACAddress       string `gorm:"uniqueIndex;not null"`
	DeviceCode       string `gorm:"uniqueIndex;not null"`
	SiteID           *uint  `gorm:"index"`
	Active           bool   `gorm:"not null;default:true"`
	WakeSchedule     string `gorm:"not null"`
	BatteryVolts     float64
	BatteryPercent   float64
	LastSeenAt       *time.Time `gorm:"index:idx_devices_last_seen"`
	NextWakeAt       *time.Time
	LatestScore      *float64
	LatestVelocity   *float64
	LatestCapturedAt *time.Time
	CreatedAt        time.Time      `gorm:"autoCreateTime"`
	UpdatedAt        time.Time      `gorm:"autoUpdateTime"`
	DeletedAt        gorm.DeletedAt `gorm:"index"`
	ID               uint           `gorm:"primaryKey"`
}

// TableName specifies the table name for Device model.
func (Device) TableName() string {
	return "devices"
}

// ScheduleChange is a pending wake-schedule change for a device, applied by
// the midnight opener once its effective date arrives.
type ScheduleChange struct {
	ID            uint   `gorm:"primaryKey"`
	DeviceID      uint   `gorm:"index;not null"`
	NewSchedule   string `gorm:"not null"`
	EffectiveDate string `gorm:"not null"` // site-local YYYY-MM-DD
	AppliedAt     *time.Time
	CreatedAt     time.Time `gorm:"autoCreateTime"`
}

// TableName specifies the table name for ScheduleChange model.
func (ScheduleChange) TableName() string {
	return "schedule_changes"
}

// SiteDeviceSession is the per-site, per-local-calendar-day aggregate of all
// device wakes. At most one row per (site, day); Version supports the
// optimistic compare-and-swap that keeps a locked session locked.
// Wake counters are derived at read time from wake_payloads/device_images,
// not stored here.
type SiteDeviceSession struct {
	ID            uint      `gorm:"primaryKey"`
	SiteID        uint      `gorm:"uniqueIndex:idx_site_session_day;not null"`
	SessionDate   string    `gorm:"uniqueIndex:idx_site_session_day;not null"` // site-local YYYY-MM-DD
	StartsAt      time.Time `gorm:"not null"`                                  // UTC instant of local midnight
	EndsAt        time.Time `gorm:"not null"`                                  // UTC instant of next local midnight
	Status        string    `gorm:"not null;default:pending"`
	ExpectedWakes int       `gorm:"not null;default:0"`
	SubmissionRef string    // external submission-shell identifier
	Version       int       `gorm:"not null;default:0"`
	LockedAt      *time.Time
	CreatedAt     time.Time `gorm:"autoCreateTime"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime"`
}

// TableName specifies the table name for SiteDeviceSession model.
func (SiteDeviceSession) TableName() string {
	return "site_device_sessions"
}

// WakePayload is one row per device wake. PayloadStatus is "complete" from
// creation: the wake is a binary event, not gated on image completion.
type WakePayload struct {
	ID              uint      `gorm:"primaryKey"`
	DeviceID        uint      `gorm:"index:idx_wake_device_captured;not null"`
	SessionID       uint      `gorm:"index;not null"`
	CapturedAt      time.Time `gorm:"index:idx_wake_device_captured;not null"`
	WakeWindowIndex int       `gorm:"not null"`
	Overage         bool      `gorm:"not null"`
	PayloadStatus   string    `gorm:"not null;default:complete"`
	TemperatureC    float64
	Humidity        float64
	PressureHPa     float64
	GasOhms         float64
	BatteryVolts    float64
	BatteryPercent  float64
	SignalDBM       float64
	ImageID         *uint     `gorm:"index"`
	CreatedAt       time.Time `gorm:"autoCreateTime"`
}

// TableName specifies the table name for WakePayload model.
func (WakePayload) TableName() string {
	return "wake_payloads"
}

// DeviceImage is the chunked-transfer record plus the external score fields
// the cascade maintains. (DeviceID, ImageName) is the stable retry key:
// retries update this row in place and never insert. CapturedAt is the
// authoritative observation time and survives retries untouched.
type DeviceImage struct {
	ID               uint      `gorm:"primaryKey"`
	DeviceID         uint      `gorm:"uniqueIndex:idx_image_device_name;index:idx_image_device_captured;not null"`
	ImageName        string    `gorm:"uniqueIndex:idx_image_device_name;not null"`
	SessionID        *uint     `gorm:"index"`
	CapturedAt       time.Time `gorm:"index:idx_image_device_captured;not null"`
	ResentReceivedAt *time.Time
	ExpectedChunks   int    `gorm:"not null;default:0"`
	ReceivedChunks   int    `gorm:"not null;default:0"`
	Status           string `gorm:"not null;default:pending"`
	FailureReason    string
	RetryCount       int `gorm:"not null;default:0"`
	StorageURL       string
	Score            *float64
	Confidence       *float64
	Velocity         *float64
	Speed            *float64
	QAStatus         string `gorm:"not null;default:''"`
	OriginalScore    *float64
	AdjustedScore    *float64
	ScoredAt         *time.Time
	CreatedAt        time.Time `gorm:"autoCreateTime"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime"`
}

// TableName specifies the table name for DeviceImage model.
func (DeviceImage) TableName() string {
	return "device_images"
}

// AuditEntry is one append-only audit event attached to an image. Score
// overrides, review flags and exports all append here; rows are never
// updated or deleted.
type AuditEntry struct {
	ID        uint   `gorm:"primaryKey"`
	EntryID   string `gorm:"uniqueIndex;not null"` // uuid
	ImageID   uint   `gorm:"index;not null"`
	Action    string `gorm:"not null"`
	OldValue  string
	NewValue  string
	Actor     string    `gorm:"not null"`
	Method    string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// TableName specifies the table name for AuditEntry model.
func (AuditEntry) TableName() string {
	return "audit_entries"
}

// AlertThresholdConfig holds alerting bounds. A row with DeviceID null is
// the company default; a row with DeviceID set overrides it for that device.
// Nil pointers mean the bound is unset and that check is skipped.
type AlertThresholdConfig struct {
	ID        uint  `gorm:"primaryKey"`
	CompanyID uint  `gorm:"index:idx_threshold_company_device;not null"`
	DeviceID  *uint `gorm:"index:idx_threshold_company_device"`

	// Absolute bounds.
	TempMaxWarn     *float64
	TempMaxCrit     *float64
	TempMinWarn     *float64
	TempMinCrit     *float64
	HumidityMaxWarn *float64
	HumidityMaxCrit *float64
	HumidityMinWarn *float64
	HumidityMinCrit *float64

	// Intra-session shift bounds (max-min over the site-local day).
	TempShiftMax     *float64
	HumidityShiftMax *float64

	// Day-over-day score velocity bounds.
	VelocityWarn *float64
	VelocityCrit *float64

	// Program-lifetime growth speed bounds.
	SpeedWarn *float64
	SpeedCrit *float64

	// Combination zone: alert when temperature and humidity are both at or
	// above these floors simultaneously.
	ComboTempMin     *float64
	ComboHumidityMin *float64
	ComboSeverity    string

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName specifies the table name for AlertThresholdConfig model.
func (AlertThresholdConfig) TableName() string {
	return "alert_threshold_configs"
}

// DeviceAlert is one row per triggered condition. Unresolved means
// ResolvedAt is null; an unresolved alert of the same (device, type)
// suppresses duplicates.
type DeviceAlert struct {
	ID              uint      `gorm:"primaryKey"`
	DeviceID        uint      `gorm:"index:idx_alert_device_type;not null"`
	AlertType       string    `gorm:"index:idx_alert_device_type;not null"`
	Category        string    `gorm:"not null"` // absolute, shift, velocity, speed, combination
	Severity        string    `gorm:"not null"`
	ActualValue     float64   `gorm:"not null"`
	ThresholdValue  float64   `gorm:"not null"`
	MeasuredAt      time.Time `gorm:"not null"`
	ShiftMin        *float64
	ShiftMax        *float64
	ShiftMinAt      *time.Time
	ShiftMaxAt      *time.Time
	ResolvedAt      *time.Time `gorm:"index"`
	ResolvedBy      string
	ResolutionNotes string
	CreatedAt       time.Time `gorm:"autoCreateTime"`
}

// TableName specifies the table name for DeviceAlert model.
func (DeviceAlert) TableName() string {
	return "device_alerts"
}

// ReviewQueueItem is one row per score flagged as implausible. The original
// score is preserved on the image; AdjustedScore is only a suggestion until
// a human overrides.
type ReviewQueueItem struct {
	ID              uint    `gorm:"primaryKey"`
	ItemID          string  `gorm:"uniqueIndex;not null"` // uuid
	ImageID         uint    `gorm:"index;not null"`
	DeviceID        uint    `gorm:"index;not null"`
	OriginalScore   float64 `gorm:"not null"`
	AdjustedScore   *float64
	DetectionMethod string `gorm:"not null"`
	ZScore          float64
	RatePerHour     float64
	Priority        string    `gorm:"not null"` // critical, high, normal
	Status          string    `gorm:"not null;default:pending"`
	CreatedAt       time.Time `gorm:"autoCreateTime"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime"`
}

// TableName specifies the table name for ReviewQueueItem model.
func (ReviewQueueItem) TableName() string {
	return "review_queue_items"
}

// CascadeError is the durable error-audit sink for cascade stage failures.
// Rows carry enough context to replay the failed operation by hand.
type CascadeError struct {
	ID        uint      `gorm:"primaryKey"`
	TableHit  string    `gorm:"column:table_name;not null"`
	Operation string    `gorm:"not null"`
	Payload   string    `gorm:"type:text"`
	ErrorText string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// TableName specifies the table name for CascadeError model.
func (CascadeError) TableName() string {
	return "cascade_errors"
}
