package schedule

// BatteryPolicy maps cell voltage to a charge percentage. The linear
// 3.0V-4.2V mapping matches the fleet's current cells but is not validated
// for every chemistry, so it stays a policy value rather than a constant.
type BatteryPolicy struct {
	EmptyVolts float64
	FullVolts  float64
}

// DefaultBatteryPolicy returns the linear LiPo mapping: 3.0V empty, 4.2V full.
func DefaultBatteryPolicy() BatteryPolicy {
	return BatteryPolicy{
		EmptyVolts: 3.0,
		FullVolts:  4.2,
	}
}

// Percent converts a measured voltage to a 0-100 charge percentage, clamped.
func (p BatteryPolicy) Percent(volts float64) float64 {
	if p.FullVolts <= p.EmptyVolts {
		return 0
	}
	pct := (volts - p.EmptyVolts) / (p.FullVolts - p.EmptyVolts) * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
