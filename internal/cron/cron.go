// Package cron evaluates cron expressions for the scheduler. All
// computation is in UTC; schedules never observe DST shifts.
package cron

import (
	"fmt"
	"time"

	"github.com/adhocore/gronx"
)

// Validate reports whether expr is a parseable 5- or 6-field cron
// expression.
func Validate(expr string) error {
	if !gronx.New().IsValid(expr) {
		return fmt.Errorf("invalid cron expression %q", expr)
	}
	return nil
}

// Next returns the smallest cron instant strictly greater than after,
// in UTC.
func Next(expr string, after time.Time) (time.Time, error) {
	if err := Validate(expr); err != nil {
		return time.Time{}, err
	}
	next, err := gronx.NextTickAfter(expr, after.UTC(), false)
	if err != nil {
		return time.Time{}, fmt.Errorf("computing next tick for %q: %w", expr, err)
	}
	return next.UTC(), nil
}
