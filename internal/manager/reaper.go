package manager

import (
	"context"
	"time"

	"github.com/loykin/bpftraced/internal/history"
	"github.com/loykin/bpftraced/internal/script"
)

// Sweep removes non-persistent scripts idle for at least the expiry time, stopping
// their processes first. Scripts in the middle of starting or stopping are left for the
// next sweep. It returns the removed ids.
func (m *Manager) Sweep(ctx context.Context, now time.Time) []string {
	expiry := m.cfg.ScriptExpiryTime
	if expiry <= 0 {
		return nil
	}
	var expired []string
	for _, sc := range m.registry.List() {
		if sc.Persistent {
			continue
		}
		switch sc.Status() {
		case script.StatusStarting, script.StatusStopping:
			continue
		}
		idle := now.Sub(sc.LastAccessedAt())
		if idle < expiry {
			continue
		}
		m.logger.Info("script expired", "script", sc.ID, "idle", idle.Round(time.Second))
		if _, err := m.remove(ctx, sc, history.EventExpired); err != nil {
			m.logger.Warn("cannot remove expired script", "script", sc.ID, "error", err)
			continue
		}
		expired = append(expired, sc.ID)
	}
	return expired
}

// RunReaper sweeps on the configured interval until ctx is done.
func (m *Manager) RunReaper(ctx context.Context) {
	if m.cfg.ScriptExpiryTime <= 0 {
		return
	}
	every := m.cfg.ReaperEvery()
	if every <= 0 {
		every = time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	m.logger.Debug("reaper started", "interval", every, "expiry", m.cfg.ScriptExpiryTime)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Sweep(ctx, m.now())
		}
	}
}
