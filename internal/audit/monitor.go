package audit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	failedLoginWindow    = 5 * time.Minute
	failedLoginThreshold = 5
)

type Monitor struct {
	logger *Logger
	zap    *zap.Logger
	now    func() time.Time
}

// NewMonitor creates a new security monitor
func NewMonitor(logger *Logger, zl *zap.Logger) *Monitor {
	if zl == nil {
		zl = zap.NewNop()
	}
	return &Monitor{
		logger: logger,
		zap:    zl.Named("monitor"),
		now:    time.Now,
	}
}

// DetectFailedLogins raises a critical event for every client address or
// account with too many failed logins in the last five minutes. It returns
// the offending keys.
func (m *Monitor) DetectFailedLogins(ctx context.Context) ([]string, error) {
	now := m.now().UTC()
	start := now.Add(-failedLoginWindow)

	events, err := m.logger.QueryLogs(ctx, QueryFilters{
		StartTime: &start,
		EndTime:   &now,
		Action:    ActionLogin,
		Limit:     1000,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}

	failedAttempts := make(map[string]int)
	var order []string
	for _, event := range events {
		if event.Success {
			continue
		}
		key := failureKey(event)
		if key == "" {
			continue
		}
		if failedAttempts[key] == 0 {
			order = append(order, key)
		}
		failedAttempts[key]++
	}

	var flagged []string
	for _, key := range order {
		count := failedAttempts[key]
		if count < failedLoginThreshold {
			continue
		}
		flagged = append(flagged, key)

		m.zap.Warn("failed login threshold reached",
			zap.String("source", key),
			zap.Int("attempts", count),
		)
		m.logger.Log(&Event{
			Level:    LevelCritical,
			Action:   ActionLoginFailures,
			Resource: "authentication",
			Success:  false,
			ErrorMsg: fmt.Sprintf("%d failed attempts detected", count),
			Metadata: key,
		})
	}

	return flagged, nil
}

func failureKey(event *Event) string {
	if event.UserID != nil {
		return fmt.Sprintf("user:%d", *event.UserID)
	}
	if event.IPAddress != "" {
		return "ip:" + event.IPAddress
	}
	return ""
}

// DetectSuspiciousActivity runs all security checks
func (m *Monitor) DetectSuspiciousActivity(ctx context.Context) {
	if _, err := m.DetectFailedLogins(ctx); err != nil {
		m.zap.Error("failed to detect failed logins", zap.Error(err))
	}
}

// Start runs the checks every interval until ctx is done
func (m *Monitor) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.DetectSuspiciousActivity(ctx)
		}
	}
}
