// Package speaker resolves the configured device and issues playback
// commands to it.
package speaker

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/palemoky/xiaomi-speaker/internal/config"
	"github.com/palemoky/xiaomi-speaker/internal/domain"
	"github.com/palemoky/xiaomi-speaker/internal/logger"
)

// Session is a resolved device, ready for playback calls.
type Session struct {
	Device domain.Device
}

// Resolver maps the configured device identifier to a roster entry. The
// result is cached for the life of the process. Nothing here retries a
// session that starts failing; call Reconnect for that.
type Resolver struct {
	client     domain.VendorClient
	configured string
	kind       config.DeviceIDKind
	log        *logger.Logger

	group   singleflight.Group
	mu      sync.RWMutex
	session *Session
}

// NewResolver creates a resolver for the given device id.
func NewResolver(client domain.VendorClient, deviceID string, kind config.DeviceIDKind, log *logger.Logger) *Resolver {
	if kind == "" {
		kind = config.DeviceIDAuto
	}
	return &Resolver{
		client:     client,
		configured: deviceID,
		kind:       kind,
		log:        log,
	}
}

// Current returns the cached session, if any.
func (r *Resolver) Current() (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.session == nil {
		return Session{}, false
	}
	return *r.session, true
}

// Resolve returns the cached session or resolves one. Concurrent callers
// share a single resolution.
func (r *Resolver) Resolve(ctx context.Context) (Session, error) {
	if s, ok := r.Current(); ok {
		return s, nil
	}
	return r.resolve(ctx, false)
}

// Reconnect drops the cached session, logs in again and resolves afresh.
func (r *Resolver) Reconnect(ctx context.Context) (Session, error) {
	r.mu.Lock()
	r.session = nil
	r.mu.Unlock()
	r.log.Info("reconnecting to speaker")
	return r.resolve(ctx, true)
}

func (r *Resolver) resolve(ctx context.Context, login bool) (Session, error) {
	key := "resolve"
	if login {
		key = "reconnect"
	}
	v, err, _ := r.group.Do(key, func() (any, error) {
		if !login {
			if s, ok := r.Current(); ok {
				return s, nil
			}
		}
		if login {
			if err := r.client.Login(ctx); err != nil {
				return nil, err
			}
		}

		devices, err := r.client.DeviceList(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetching device list: %w", err)
		}
		r.log.Info("found %d devices", len(devices))
		for _, d := range devices {
			r.log.Debug("  device: %s", d)
		}

		dev, ok := Match(devices, r.configured, r.kind)
		if !ok {
			return nil, &domain.DeviceNotFoundError{Configured: r.configured, Available: devices}
		}

		s := Session{Device: dev}
		r.mu.Lock()
		r.session = &s
		r.mu.Unlock()
		r.log.Info("resolved speaker %s", dev)
		return s, nil
	})
	if err != nil {
		r.log.Error("device resolution failed: %v", err)
		return Session{}, err
	}
	return v.(Session), nil
}

// Match finds id in devices. Auto tries the session id, then the numeric id,
// then the display name; within each field the first entry wins. A fixed
// kind compares one field only.
func Match(devices []domain.Device, id string, kind config.DeviceIDKind) (domain.Device, bool) {
	if id == "" {
		return domain.Device{}, false
	}

	fields := []func(domain.Device) string{
		func(d domain.Device) string { return d.ID },
		func(d domain.Device) string { return d.NumericID },
		func(d domain.Device) string { return d.Name },
	}
	switch kind {
	case config.DeviceIDSession:
		fields = fields[0:1]
	case config.DeviceIDNumeric:
		fields = fields[1:2]
	case config.DeviceIDName:
		fields = fields[2:3]
	}

	for _, field := range fields {
		for _, d := range devices {
			if field(d) == id {
				return d, true
			}
		}
	}
	return domain.Device{}, false
}
