package eventlog

import (
	"context"
	"fmt"
	"time"
)

// MaintenanceConfig controls the background partition/retention task.
type MaintenanceConfig struct {
	Interval       time.Duration
	LookaheadDays  int
	RetentionDays  int
}

// RunMaintenance runs the partition-management loop until ctx is
// cancelled. On Postgres it creates day-range partitions N days ahead
// and drops partitions older than the retention window; on sqlite
// there's no native partitioning so this is a no-op tick that still
// logs, matching the event log's single unpartitioned table there.
func (s *Store) RunMaintenance(ctx context.Context, cfg MaintenanceConfig) {
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	s.maintainPartitions(ctx, cfg)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.maintainPartitions(ctx, cfg)
		}
	}
}

func (s *Store) maintainPartitions(ctx context.Context, cfg MaintenanceConfig) {
	if s.db.Driver() != "postgres" {
		s.logger.Debug("skipping partition maintenance, driver has no native partitioning", "driver", s.db.Driver())
		return
	}

	lookahead := cfg.LookaheadDays
	if lookahead <= 0 {
		lookahead = 7
	}
	retention := cfg.RetentionDays
	if retention <= 0 {
		retention = 90
	}

	today := time.Now().UTC().Truncate(24 * time.Hour)
	for i := 0; i <= lookahead; i++ {
		day := today.AddDate(0, 0, i)
		if err := s.ensurePartition(ctx, day); err != nil {
			s.logger.Error("failed to create event partition", "day", day.Format("2006-01-02"), "error", err)
		}
	}

	cutoff := today.AddDate(0, 0, -retention)
	if err := s.dropPartitionsOlderThan(ctx, cutoff); err != nil {
		s.logger.Error("failed to drop old event partitions", "cutoff", cutoff.Format("2006-01-02"), "error", err)
	}
}

func (s *Store) ensurePartition(ctx context.Context, day time.Time) error {
	name := fmt.Sprintf("events_%s", day.Format("20060102"))
	next := day.AddDate(0, 0, 1)
	stmt := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF events FOR VALUES FROM ('%s') TO ('%s')`,
		name, day.Format("2006-01-02"), next.Format("2006-01-02"),
	)
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}

func (s *Store) dropPartitionsOlderThan(ctx context.Context, cutoff time.Time) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT inhrelid::regclass::text
		FROM pg_inherits
		WHERE inhparent = 'events'::regclass
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var partitions []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		partitions = append(partitions, name)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	cutoffSuffix := cutoff.Format("20060102")
	for _, name := range partitions {
		if len(name) < 8 {
			continue
		}
		suffix := name[len(name)-8:]
		if suffix < cutoffSuffix {
			if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", name)); err != nil {
				s.logger.Error("failed to drop partition", "partition", name, "error", err)
			} else {
				s.logger.Info("dropped expired event partition", "partition", name)
			}
		}
	}
	return nil
}
