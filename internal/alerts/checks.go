// Package alerts evaluates environmental readings and growth scores against
// configurable thresholds and maintains the device alert log. Five check
// categories exist: absolute bounds, intra-session shift, day-over-day
// velocity, program-lifetime speed, and the temperature/humidity
// combination zone.
package alerts

import (
	"time"

	"brainlytree.dev/moldwatch/internal/store"
)

// Alert categories.
const (
	CategoryAbsolute    = "absolute"
	CategoryShift       = "shift"
	CategoryVelocity    = "velocity"
	CategorySpeed       = "speed"
	CategoryCombination = "combination"
)

// Alert types. (device, type) identifies an alert stream for deduplication.
const (
	TypeTempHigh      = "temperature_high"
	TypeTempLow       = "temperature_low"
	TypeHumidityHigh  = "humidity_high"
	TypeHumidityLow   = "humidity_low"
	TypeTempShift     = "temperature_shift"
	TypeHumidityShift = "humidity_shift"
	TypeVelocity      = "growth_velocity"
	TypeSpeed         = "growth_speed"
	TypeCombination   = "temp_humidity_combination"
)

// Finding is one triggered condition, not yet persisted.
type Finding struct {
	AlertType string
	Category  string
	Severity  string
	Actual    float64
	Threshold float64
}

// ShiftStats is the observed spread of one measurement within a session.
type ShiftStats struct {
	Min   float64
	Max   float64
	MinAt time.Time
	MaxAt time.Time
}

// Spread is the max-min range.
func (s ShiftStats) Spread() float64 {
	return s.Max - s.Min
}

// checkHigh fires when the value meets or exceeds a bound. Critical takes
// precedence over warning when both are crossed.
func checkHigh(alertType string, value float64, warn, crit *float64) *Finding {
	if crit != nil && value >= *crit {
		return &Finding{
			AlertType: alertType,
			Category:  CategoryAbsolute,
			Severity:  store.SeverityCritical,
			Actual:    value,
			Threshold: *crit,
		}
	}
	if warn != nil && value >= *warn {
		return &Finding{
			AlertType: alertType,
			Category:  CategoryAbsolute,
			Severity:  store.SeverityWarning,
			Actual:    value,
			Threshold: *warn,
		}
	}
	return nil
}

// checkLow fires when the value meets or drops below a bound.
func checkLow(alertType string, value float64, warn, crit *float64) *Finding {
	if crit != nil && value <= *crit {
		return &Finding{
			AlertType: alertType,
			Category:  CategoryAbsolute,
			Severity:  store.SeverityCritical,
			Actual:    value,
			Threshold: *crit,
		}
	}
	if warn != nil && value <= *warn {
		return &Finding{
			AlertType: alertType,
			Category:  CategoryAbsolute,
			Severity:  store.SeverityWarning,
			Actual:    value,
			Threshold: *warn,
		}
	}
	return nil
}

// checkShift fires when the intra-session spread exceeds the allowed range.
func checkShift(alertType string, stats ShiftStats, limit *float64) *Finding {
	if limit == nil {
		return nil
	}
	spread := stats.Spread()
	if spread <= *limit {
		return nil
	}
	return &Finding{
		AlertType: alertType,
		Category:  CategoryShift,
		Severity:  store.SeverityWarning,
		Actual:    spread,
		Threshold: *limit,
	}
}

// checkRate covers velocity and speed: magnitudes that only alarm high.
func checkRate(alertType, category string, value float64, warn, crit *float64) *Finding {
	if crit != nil && value >= *crit {
		return &Finding{
			AlertType: alertType,
			Category:  category,
			Severity:  store.SeverityCritical,
			Actual:    value,
			Threshold: *crit,
		}
	}
	if warn != nil && value >= *warn {
		return &Finding{
			AlertType: alertType,
			Category:  category,
			Severity:  store.SeverityWarning,
			Actual:    value,
			Threshold: *warn,
		}
	}
	return nil
}

// checkCombination fires when temperature and humidity simultaneously sit at
// or above their zone floors. The threshold recorded is the humidity floor.
func checkCombination(temp, humidity float64, cfg *store.AlertThresholdConfig) *Finding {
	if cfg.ComboTempMin == nil || cfg.ComboHumidityMin == nil {
		return nil
	}
	if temp < *cfg.ComboTempMin || humidity < *cfg.ComboHumidityMin {
		return nil
	}
	severity := cfg.ComboSeverity
	if severity == "" {
		severity = store.SeverityWarning
	}
	return &Finding{
		AlertType: TypeCombination,
		Category:  CategoryCombination,
		Severity:  severity,
		Actual:    humidity,
		Threshold: *cfg.ComboHumidityMin,
	}
}
