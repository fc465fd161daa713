// Rallypoint - Group Meetup Presence and Beacon Service
// Copyright 2026 Rallypoint contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rallypoint-app/rallypoint

package scheduler

import (
	"errors"
	"time"
)

// Recognized beacon frequencies, in seconds. Anything else is refused.
const (
	FrequencyDaily    = 86400
	FrequencyWeekly   = 604800
	FrequencyBiweekly = 1209600
	FrequencyMonthly  = 2592000
)

// ErrUnknownFrequency rejects a frequency outside the whitelist.
var ErrUnknownFrequency = errors.New("unknown beacon frequency")

// ValidFrequency reports whether seconds is a recognized frequency.
func ValidFrequency(seconds int) bool {
	switch seconds {
	case FrequencyDaily, FrequencyWeekly, FrequencyBiweekly, FrequencyMonthly:
		return true
	}
	return false
}

const secondsPerWeek = 604800

// epochWeek counts whole weeks since the Unix epoch. The biweekly
// recurrence only fires on even weeks, so two instances rescheduling
// independently still agree on which Sundays spawn.
func epochWeek(t time.Time) int64 {
	return t.Unix() / secondsPerWeek
}

// nextBoundary returns the first recurrence boundary strictly after
// now, in UTC. Daily fires at midnight, weekly and biweekly on Sunday
// midnight, monthly on the first of the month. Biweekly boundaries
// falling on an odd epoch week are skipped.
func nextBoundary(now time.Time, freqSeconds int) (time.Time, error) {
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	switch freqSeconds {
	case FrequencyDaily:
		return midnight.AddDate(0, 0, 1), nil

	case FrequencyWeekly, FrequencyBiweekly:
		next := midnight.AddDate(0, 0, (7-int(midnight.Weekday()))%7)
		if !next.After(now) {
			next = next.AddDate(0, 0, 7)
		}
		if freqSeconds == FrequencyBiweekly && epochWeek(next)%2 != 0 {
			next = next.AddDate(0, 0, 7)
		}
		return next, nil

	case FrequencyMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0), nil
	}
	return time.Time{}, ErrUnknownFrequency
}

// spawnDelay converts a uniform random sample in [0, 1) to the delay
// after a boundary at which the beacon actually spawns. The window is
// the full frequency period, so spawn times spread across the cycle.
func spawnDelay(freqSeconds int, sample float64) time.Duration {
	return time.Duration(sample * float64(freqSeconds) * float64(time.Second))
}
