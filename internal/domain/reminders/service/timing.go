package service

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseOffset reads a reminder timing such as "7d", "24h" or "90m".
// A "d" suffix means whole days; everything else goes through
// time.ParseDuration. Offsets must be positive.
func ParseOffset(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid reminder timing %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid reminder timing %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid reminder timing %q: must be positive", s)
	}
	return d, nil
}
