package activity

import (
	"regexp"
	"strings"
)

var camelBoundary = regexp.MustCompile(`([a-z0-9])([A-Z])`)

// NormalizeState maps a pg_stat_activity state to its listed form:
// "idle in transaction" becomes "IDLE_IN_TRANSACTION".
func NormalizeState(s string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), " ", "_"))
}

// NormalizeWaitEvent maps a wait event or wait event type to its listed
// form: "ClientRead" becomes "CLIENT_READ", "LWLock" becomes "LWLOCK".
func NormalizeWaitEvent(s string) string {
	s = camelBoundary.ReplaceAllString(strings.TrimSpace(s), "${1}_${2}")
	return strings.ToUpper(strings.ReplaceAll(s, " ", "_"))
}

// SQL forms of the normalizations above, applied to a column expression.
func stateSQL(col string) string {
	return "UPPER(REPLACE(" + col + ", ' ', '_'))"
}

func waitEventSQL(col string) string {
	return "UPPER(REPLACE(regexp_replace(" + col + `, '([a-z0-9])([A-Z])', '\1_\2', 'g'), ' ', '_'))`
}
