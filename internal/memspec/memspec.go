package memspec

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrEmptySpec is returned when the spec string is empty.
var ErrEmptySpec = errors.New("memspec: empty spec")

// Parse resolves spec into a concrete byte count.
//
// Accepted forms:
//   - "1073741824": absolute bytes
//   - "2G", "512M", "64K", "1T": absolute with unit suffix (optional trailing "B")
//   - "20%": percentage of memLimit, or of physMem when memLimit <= 0
//
// The returned isPercent flag reports whether the spec was percentage-based,
// which callers use to decide whether clamping policies apply.
func Parse(spec string, memLimit, physMem int64) (bytes int64, isPercent bool, err error) {
	s := strings.TrimSpace(spec)
	if s == "" {
		return 0, false, ErrEmptySpec
	}

	if strings.HasSuffix(s, "%") {
		pctStr := strings.TrimSuffix(s, "%")
		pct, err := strconv.ParseFloat(pctStr, 64)
		if err != nil {
			return 0, false, fmt.Errorf("memspec: invalid percentage %q: %w", spec, err)
		}
		if pct < 0 {
			return 0, false, fmt.Errorf("memspec: negative percentage %q", spec)
		}
		ref := memLimit
		if ref <= 0 {
			ref = physMem
		}
		return int64(float64(ref) * pct / 100.0), true, nil
	}

	multiplier := int64(1)
	numStr := strings.TrimSuffix(strings.ToUpper(s), "B")
	if numStr == "" {
		return 0, false, fmt.Errorf("memspec: invalid spec %q", spec)
	}
	switch numStr[len(numStr)-1] {
	case 'K':
		multiplier = 1024
	case 'M':
		multiplier = 1024 * 1024
	case 'G':
		multiplier = 1024 * 1024 * 1024
	case 'T':
		multiplier = 1024 * 1024 * 1024 * 1024
	}
	if multiplier > 1 {
		numStr = numStr[:len(numStr)-1]
	}

	n, err := strconv.ParseFloat(strings.TrimSpace(numStr), 64)
	if err != nil {
		return 0, false, fmt.Errorf("memspec: invalid spec %q: %w", spec, err)
	}
	if n < 0 {
		return 0, false, fmt.Errorf("memspec: negative spec %q", spec)
	}
	return int64(n * float64(multiplier)), false, nil
}
