package store

import (
	"context"
	"fmt"
	"time"
)

// RelayDay is the total on-time of each relay over one UTC day.
type RelayDay struct {
	Date     string
	Pump     time.Duration
	PH       time.Duration
	Nutrient time.Duration
}

// SaveRelayDay stores d, replacing an earlier record for the same date,
// and keeps only the newest keep days.
func (s *Store) SaveRelayDay(ctx context.Context, d RelayDay, keep int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO relay_daily (date, pump_s, ph_s, nutrient_s) VALUES (?, ?, ?, ?)`,
		d.Date, int64(d.Pump.Seconds()), int64(d.PH.Seconds()), int64(d.Nutrient.Seconds()))
	if err != nil {
		return fmt.Errorf("save relay day %s: %w", d.Date, err)
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM relay_daily WHERE date NOT IN (SELECT date FROM relay_daily ORDER BY date DESC LIMIT ?)`, keep)
	if err != nil {
		return fmt.Errorf("trim relay days: %w", err)
	}
	return tx.Commit()
}

// RelayDays returns up to limit days, newest first.
func (s *Store) RelayDays(ctx context.Context, limit int) ([]RelayDay, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT date, pump_s, ph_s, nutrient_s FROM relay_daily ORDER BY date DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query relay days: %w", err)
	}
	defer rows.Close()

	var days []RelayDay
	for rows.Next() {
		var (
			d                  RelayDay
			pump, ph, nutrient int64
		)
		if err := rows.Scan(&d.Date, &pump, &ph, &nutrient); err != nil {
			return nil, fmt.Errorf("scan relay day: %w", err)
		}
		d.Pump = time.Duration(pump) * time.Second
		d.PH = time.Duration(ph) * time.Second
		d.Nutrient = time.Duration(nutrient) * time.Second
		days = append(days, d)
	}
	return days, rows.Err()
}
