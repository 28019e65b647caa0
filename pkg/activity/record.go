package activity

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/justjake/pgactivity/pkg/tag"
)

// Record is one row of pg_stat_activity as pgactivity presents it: the
// statement with its context comment removed, the decoded context, and
// normalized state and wait event names.
type Record struct {
	Pid int32

	// Start is query_start; nil for backends that never ran a statement.
	Start *time.Time
	// Duration is now() - query_start, computed by the server.
	Duration *time.Duration

	Query string
	// Context is the decoded metadata comment, nil when the statement
	// carried none or it could not be decoded.
	Context *tag.Context
	// ContextDecodeFailed is set when the statement started with a
	// context comment whose body is not valid JSON.
	ContextDecodeFailed bool

	State string

	XactStart    *time.Time
	BackendStart *time.Time
	StateChange  *time.Time

	WaitEventType string
	WaitEvent     string

	BackendType     string
	ApplicationName string
	User            string
	Database        string

	ClientAddr     string
	ClientHostname string
	ClientPort     *int32

	BackendXid  string
	BackendXmin string
}

// Attribute returns the value listed under name. Names are the filter
// field names ("id", "duration", "wait_event", ...). A dotted name starting
// with "context." selects a value nested in the context with a gjson path,
// e.g. "context.user.id". ok is false for unknown names.
func (r *Record) Attribute(name string) (v any, ok bool) {
	if path, found := strings.CutPrefix(name, "context."); found {
		if r.Context == nil {
			return nil, true
		}
		doc, err := json.Marshal(r.Context)
		if err != nil {
			return nil, true
		}
		res := gjson.GetBytes(doc, path)
		if !res.Exists() {
			return nil, true
		}
		return res.Value(), true
	}

	switch name {
	case "id", "pid":
		return r.Pid, true
	case "start", "query_start":
		return r.Start, true
	case "duration":
		return r.Duration, true
	case "query":
		return r.Query, true
	case "context":
		return r.Context, true
	case "state":
		return r.State, true
	case "xact_start":
		return r.XactStart, true
	case "backend_start":
		return r.BackendStart, true
	case "state_change":
		return r.StateChange, true
	case "wait_event_type":
		return r.WaitEventType, true
	case "wait_event":
		return r.WaitEvent, true
	case "backend_type":
		return r.BackendType, true
	case "application_name":
		return r.ApplicationName, true
	case "user", "usename":
		return r.User, true
	case "database", "datname":
		return r.Database, true
	case "client_addr":
		return r.ClientAddr, true
	case "client_hostname":
		return r.ClientHostname, true
	case "client_port":
		return r.ClientPort, true
	case "backend_xid":
		return r.BackendXid, true
	case "backend_xmin":
		return r.BackendXmin, true
	}
	return nil, false
}

// Pids returns the pid of every record, in order.
func Pids(records []Record) []int32 {
	out := make([]int32, len(records))
	for i, r := range records {
		out[i] = r.Pid
	}
	return out
}
