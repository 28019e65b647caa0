package activity

type kind int

const (
	kindText kind = iota
	kindInt
	kindInterval
	kindTime
	kindJSON
)

// cast is the suffix applied to a bind placeholder so the server parses the
// text value as the column's type.
func (k kind) cast() string {
	switch k {
	case kindInt:
		return "::int"
	case kindInterval:
		return "::interval"
	case kindTime:
		return "::timestamptz"
	case kindJSON:
		return "::jsonb"
	}
	return "::text"
}

type normalization int

const (
	normNone normalization = iota
	normState
	normWaitEvent
)

type column struct {
	name      string // column of the activity CTE
	kind      kind
	normalize normalization
}

// columns maps filterable field names, including the aliases accepted on
// the command line, to CTE columns.
var columns = map[string]column{
	"id":               {name: "pid", kind: kindInt},
	"pid":              {name: "pid", kind: kindInt},
	"start":            {name: "query_start", kind: kindTime},
	"query_start":      {name: "query_start", kind: kindTime},
	"duration":         {name: "duration", kind: kindInterval},
	"query":            {name: "query", kind: kindText},
	"context":          {name: "context", kind: kindJSON},
	"state":            {name: "state", kind: kindText, normalize: normState},
	"xact_start":       {name: "xact_start", kind: kindTime},
	"backend_start":    {name: "backend_start", kind: kindTime},
	"state_change":     {name: "state_change", kind: kindTime},
	"wait_event_type":  {name: "wait_event_type", kind: kindText, normalize: normWaitEvent},
	"wait_event":       {name: "wait_event", kind: kindText, normalize: normWaitEvent},
	"backend_type":     {name: "backend_type", kind: kindText},
	"application_name": {name: "application_name", kind: kindText},
	"user":             {name: "usename", kind: kindText},
	"usename":          {name: "usename", kind: kindText},
	"database":         {name: "datname", kind: kindText},
	"datname":          {name: "datname", kind: kindText},
	"client_addr":      {name: "client_addr", kind: kindText},
	"client_hostname":  {name: "client_hostname", kind: kindText},
	"client_port":      {name: "client_port", kind: kindInt},
	"backend_xid":      {name: "backend_xid", kind: kindText},
	"backend_xmin":     {name: "backend_xmin", kind: kindText},
}
