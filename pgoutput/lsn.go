package pgoutput

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatLSN renders a log sequence number the way PostgreSQL does: the high
// and low 32-bit halves in upper-case hex separated by a slash.
func FormatLSN(lsn uint64) string {
	return fmt.Sprintf("%X/%X", uint32(lsn>>32), uint32(lsn))
}

// ParseLSN parses the textual form produced by FormatLSN
func ParseLSN(s string) (uint64, error) {
	hi, lo, ok := strings.Cut(s, "/")
	if !ok || hi == "" || lo == "" {
		return 0, fmt.Errorf("invalid LSN %q", s)
	}

	high, err := strconv.ParseUint(hi, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid LSN %q: %w", s, err)
	}
	low, err := strconv.ParseUint(lo, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid LSN %q: %w", s, err)
	}

	return high<<32 | low, nil
}
