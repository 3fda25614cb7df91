package api

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// alertFilter narrows the alert listing.
type alertFilter struct {
	SiteID          *uint
	DeviceID        *uint
	Severity        string
	Category        string
	IncludeResolved bool
}

// AlertView is one alert joined to its full routing context, so a responder
// knows where to go without further lookups.
type AlertView struct {
	AlertID        uint      `json:"alert_id"`
	AlertType      string    `json:"alert_type"`
	Category       string    `json:"category"`
	Severity       string    `json:"severity"`
	ActualValue    float64   `json:"actual_value"`
	ThresholdValue float64   `json:"threshold_value"`
	MeasuredAt     time.Time `json:"measured_at"`

	ShiftMin   *float64   `json:"shift_min,omitempty"`
	ShiftMax   *float64   `json:"shift_max,omitempty"`
	ShiftMinAt *time.Time `json:"shift_min_at,omitempty"`
	ShiftMaxAt *time.Time `json:"shift_max_at,omitempty"`

	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy string     `json:"resolved_by,omitempty"`

	DeviceID    uint    `json:"device_id"`
	DeviceCode  string  `json:"device_code"`
	MACAddress  string  `json:"mac_address"`
	SiteID      uint    `json:"site_id"`
	SiteName    string  `json:"site_name"`
	Zone        string  `json:"zone"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	ProgramID   uint    `json:"program_id"`
	ProgramName string  `json:"program_name"`
	CompanyID   uint    `json:"company_id"`
	CompanyName string  `json:"company_name"`
}

func listAlerts(ctx context.Context, db *gorm.DB, filter alertFilter) ([]AlertView, error) {
	q := db.WithContext(ctx).
		Table("device_alerts").
		Select(`device_alerts.id as alert_id,
			device_alerts.alert_type, device_alerts.category, device_alerts.severity,
			device_alerts.actual_value, device_alerts.threshold_value, device_alerts.measured_at,
			device_alerts.shift_min, device_alerts.shift_max,
			device_alerts.shift_min_at, device_alerts.shift_max_at,
			device_alerts.resolved_at, device_alerts.resolved_by,
			devices.id as device_id, devices.device_code, devices.mac_address,
			sites.id as site_id, sites.name as site_name, sites.zone,
			sites.latitude, sites.longitude,
			programs.id as program_id, programs.name as program_name,
			companies.id as company_id, companies.name as company_name`).
		Joins("join devices on devices.id = device_alerts.device_id").
		Joins("join sites on sites.id = devices.site_id").
		Joins("join programs on programs.id = sites.program_id").
		Joins("join companies on companies.id = programs.company_id").
		Order("device_alerts.created_at desc")

	if !filter.IncludeResolved {
		q = q.Where("device_alerts.resolved_at IS NULL")
	}
	if filter.SiteID != nil {
		q = q.Where("sites.id = ?", *filter.SiteID)
	}
	if filter.DeviceID != nil {
		q = q.Where("devices.id = ?", *filter.DeviceID)
	}
	if filter.Severity != "" {
		q = q.Where("device_alerts.severity = ?", filter.Severity)
	}
	if filter.Category != "" {
		q = q.Where("device_alerts.category = ?", filter.Category)
	}

	var views []AlertView
	if err := q.Scan(&views).Error; err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	return views, nil
}
