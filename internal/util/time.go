package util

import (
	"log/slog"
	"time"
)

// NowIn returns the current time in the given IANA timezone. An empty or
// unknown timezone falls back to fallback, and finally to UTC.
func NowIn(tz, fallback string) time.Time {
	for _, name := range []string{tz, fallback} {
		if name == "" {
			continue
		}
		loc, err := time.LoadLocation(name)
		if err != nil {
			slog.Warn("util.NowIn: unknown timezone, falling back", "timezone", name, "error", err)
			continue
		}
		return time.Now().In(loc)
	}
	return time.Now().UTC()
}

// Timestamp formats the current time in the given timezone as RFC 3339.
func Timestamp(tz, fallback string) string {
	return NowIn(tz, fallback).Format(time.RFC3339)
}
