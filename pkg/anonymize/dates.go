// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at DicomRoute (https://github.com/dicomroute/dicomroute).
// Copyright 2021-present DicomRoute authors.

package anonymize

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// shiftValue shifts a DA, TM or DT value by the given amount. The value
// format is preserved: dates stay dates, times stay times, and a combined
// DT keeps its precision. Empty input stays empty.
func shiftValue(vr, value, amount, unit string) (string, error) {
	if value == "" {
		return "", nil
	}
	delta, err := shiftDuration(amount, unit)
	if err != nil {
		return "", err
	}
	switch vr {
	case "DA":
		t, err := time.Parse("20060102", value)
		if err != nil {
			return "", fmt.Errorf("bad DA value %q: %w", value, err)
		}
		return t.Add(delta).Format("20060102"), nil
	case "TM":
		t, layout, err := parseTM(value)
		if err != nil {
			return "", err
		}
		return t.Add(delta).Format(layout), nil
	case "DT":
		t, layout, err := parseDT(value)
		if err != nil {
			return "", err
		}
		return t.Add(delta).Format(layout), nil
	default:
		return "", fmt.Errorf("cannot shift VR %s", vr)
	}
}

// shiftDuration converts an amount string and unit into a duration. The
// amount may be negative and, for days, fractional: the enhancer emits
// half-day amounts when compensating a double-applying engine.
func shiftDuration(amount, unit string) (time.Duration, error) {
	n, err := strconv.ParseFloat(strings.TrimSpace(amount), 64)
	if err != nil {
		return 0, fmt.Errorf("bad shift amount %q: %w", amount, err)
	}
	switch unit {
	case "days":
		return time.Duration(n * 24 * float64(time.Hour)), nil
	case "seconds":
		return time.Duration(n * float64(time.Second)), nil
	default:
		return 0, fmt.Errorf("unknown shift unit %q", unit)
	}
}

// parseTM accepts the TM precisions in common use: HH, HHMM, HHMMSS and
// HHMMSS.F{1,6}.
func parseTM(value string) (time.Time, string, error) {
	layouts := []string{"150405.000000", "150405.000", "150405", "1504", "15"}
	for _, layout := range layouts {
		if len(value) != len(layout) {
			continue
		}
		if t, err := time.Parse(layout, value); err == nil {
			return t, layout, nil
		}
	}
	return time.Time{}, "", fmt.Errorf("bad TM value %q", value)
}

// parseDT accepts YYYYMMDD followed by an optional TM part. Timezone
// suffixes are not supported; none of the standard enhancement tags carry
// them in practice.
func parseDT(value string) (time.Time, string, error) {
	layouts := []string{"20060102150405.000000", "20060102150405.000", "20060102150405", "200601021504", "2006010215", "20060102"}
	for _, layout := range layouts {
		if len(value) != len(layout) {
			continue
		}
		if t, err := time.Parse(layout, value); err == nil {
			return t, layout, nil
		}
	}
	return time.Time{}, "", fmt.Errorf("bad DT value %q", value)
}

// daysBetween returns the whole-day difference between two DA values.
func daysBetween(da1, da2 string) (int, error) {
	t1, err := time.Parse("20060102", da1)
	if err != nil {
		return 0, fmt.Errorf("bad DA value %q: %w", da1, err)
	}
	t2, err := time.Parse("20060102", da2)
	if err != nil {
		return 0, fmt.Errorf("bad DA value %q: %w", da2, err)
	}
	return int(t2.Sub(t1).Hours() / 24), nil
}
