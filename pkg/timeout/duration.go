package timeout

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/justjake/pgactivity/pkg/pgwire"
)

// Infinite disables the statement timeout for the scope.
const Infinite time.Duration = 0

// Milliseconds converts d to the integer statement_timeout value.
// Fractions of a millisecond are truncated. Anything other than Infinite
// that is shorter than one millisecond is rejected: PostgreSQL would read
// it as 0 and silently disable the timeout.
func Milliseconds(d time.Duration) (int64, error) {
	if d == Infinite {
		return 0, nil
	}
	if d < time.Millisecond {
		return 0, fmt.Errorf("%w: statement timeout %s is below 1ms (use timeout.Infinite to disable)", pgwire.ErrInvalidArgument, d)
	}
	return int64(d / time.Millisecond), nil
}

// ParseDuration parses a timeout given on a command line or in a config
// file. It accepts Go durations ("1.5s", "250ms"), bare seconds ("2",
// "0.1") and "infinite" or "none" for Infinite.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "infinite", "none":
		return Infinite, nil
	}

	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a duration", pgwire.ErrInvalidArgument, s)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "infinite"
	}
	return (time.Duration(ms) * time.Millisecond).String()
}
