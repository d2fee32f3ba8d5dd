// Package util provides small formatting helpers, partly built on
// go-humanize. The progress tracker uses FormatPercent.
package util

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// FormatBytes renders a byte count in humanized SI units, e.g. "1.2 GB".
func FormatBytes(n int64) string {
	return humanize.Bytes(uint64(n))
}

// FormatDuration renders a duration as "1h2m3s"-style, collapsing to "0s"
// for non-positive values so ETA fields never show a negative duration.
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	switch {
	case h > 0:
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm%ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

// FormatPercent renders done/total as an integer percent string, truncated
// and capped at 100; a non-positive total renders "0%".
func FormatPercent(done, total int) string {
	if total <= 0 {
		return "0%"
	}
	pct := done * 100 / total
	if pct > 100 {
		pct = 100
	}
	return fmt.Sprintf("%d%%", pct)
}
