// Package lineage resolves a device identifier to its full tenant chain:
// device, site (with timezone), program (with start date) and company.
// Resolution is read-only and side-effect free, so the result can be cached
// for the duration of a wake.
package lineage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"

	"brainlytree.dev/moldwatch/internal/schedule"
	"brainlytree.dev/moldwatch/internal/store"
)

// Context is a fully resolved device lineage. Every other component of the
// pipeline works off one of these.
type Context struct {
	Device   store.Device
	Site     store.Site
	Program  store.Program
	Company  store.Company
	Location *time.Location
	Schedule schedule.Schedule
}

// ResolverConfig holds the configuration for the Resolver.
type ResolverConfig struct {
	Logger *slog.Logger
	DB     *gorm.DB
	Policy schedule.Policy
}

// Resolver maps device identifiers (MAC or logical code) to lineage
// contexts.
type Resolver struct {
	logger *slog.Logger
	db     *gorm.DB
	policy schedule.Policy
}

// NewResolver creates a new Resolver instance.
func NewResolver(cfg *ResolverConfig) (*Resolver, error) {
	if cfg == nil {
		return nil, errors.New("resolver config cannot be nil")
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

	return &Resolver{
		logger: cfg.Logger,
		db:     cfg.DB,
		policy: policy,
	}, nil
}

// Resolve looks up the device by MAC address or logical code and walks its
// assignment chain. Any missing link returns a *LineageError wrapping the
// matching sentinel.
func (r *Resolver) Resolve(ctx context.Context, deviceRef string) (*Context, error) {
	if deviceRef == "" {
		return nil, newLineageError(deviceRef, "device", ErrDeviceNotFound)
	}

	var device store.Device
	err := r.db.WithContext(ctx).
		Where("mac_address = ? OR device_code = ?", deviceRef, deviceRef).
		First(&device).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newLineageError(deviceRef, "device", ErrDeviceNotFound)
		}
		return nil, fmt.Errorf("failed to fetch device %q: %w", deviceRef, err)
	}

	if !device.Active {
		return nil, newLineageError(deviceRef, "device", ErrDeviceInactive)
	}

	if device.SiteID == nil {
		return nil, newLineageError(deviceRef, "site", ErrNoSite)
	}

	var site store.Site
	if err := r.db.WithContext(ctx).First(&site, *device.SiteID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newLineageError(deviceRef, "site", ErrNoSite)
		}
		return nil, fmt.Errorf("failed to fetch site %d: %w", *device.SiteID, err)
	}

	if site.ProgramID == nil {
		return nil, newLineageError(deviceRef, "program", ErrNoProgram)
	}

	var program store.Program
	if err := r.db.WithContext(ctx).First(&program, *site.ProgramID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newLineageError(deviceRef, "program", ErrNoProgram)
		}
		return nil, fmt.Errorf("failed to fetch program %d: %w", *site.ProgramID, err)
	}

	if program.CompanyID == nil {
		return nil, newLineageError(deviceRef, "company", ErrNoCompany)
	}

	var company store.Company
	if err := r.db.WithContext(ctx).First(&company, *program.CompanyID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newLineageError(deviceRef, "company", ErrNoCompany)
		}
		return nil, fmt.Errorf("failed to fetch company %d: %w", *program.CompanyID, err)
	}

	loc, err := time.LoadLocation(site.Timezone)
	if err != nil {
		r.logger.Warn("unknown site timezone, using UTC",
			"site_id", site.ID,
			"timezone", site.Timezone,
		)
		loc = time.UTC
	}

	sched := schedule.Parse(device.WakeSchedule, r.policy)
	if sched.Fallback() {
		r.logger.Warn("device schedule unparseable, using fallback interval",
			"device", device.DeviceCode,
			"expression", device.WakeSchedule,
		)
	}

	return &Context{
		Device:   device,
		Site:     site,
		Program:  program,
		Company:  company,
		Location: loc,
		Schedule: sched,
	}, nil
}

// Cached returns a view of the resolver that memoizes results per device
// reference. Safe for concurrent use; intended to live for one wake or one
// sweep, not forever.
func (r *Resolver) Cached() *CachedResolver {
	return &CachedResolver{
		inner: r,
		seen:  make(map[string]cachedResult),
	}
}

type cachedResult struct {
	ctx *Context
	err error
}

// CachedResolver memoizes Resolve calls.
type CachedResolver struct {
	inner *Resolver
	mu    sync.Mutex
	seen  map[string]cachedResult
}

// Resolve returns the cached lineage for deviceRef, resolving on first use.
func (c *CachedResolver) Resolve(ctx context.Context, deviceRef string) (*Context, error) {
	c.mu.Lock()
	if res, ok := c.seen[deviceRef]; ok {
		c.mu.Unlock()
		return res.ctx, res.err
	}
	c.mu.Unlock()

	resolved, err := c.inner.Resolve(ctx, deviceRef)

	c.mu.Lock()
	c.seen[deviceRef] = cachedResult{ctx: resolved, err: err}
	c.mu.Unlock()

	return resolved, err
}
