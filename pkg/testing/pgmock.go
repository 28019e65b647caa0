// Package testing provides test utilities for pgactivity using pgmock.
// It runs a scripted PostgreSQL server that a real pgx client connects to,
// so statement text, transaction status and result rows can be asserted
// without a database.
package testing

import (
	"context"
	"fmt"
	"net"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgmock"
	"github.com/jackc/pgproto3/v2"
	"github.com/jackc/pgx/v5"
)

// Type OIDs used in scripted row descriptions.
const (
	OIDBool        = 16
	OIDInt4        = 23
	OIDText        = 25
	OIDTimestamptz = 1184
	OIDInterval    = 1186
)

// ServerVersion is reported by AcceptConnSteps.
const ServerVersion = "16.4"

// MockServer wraps pgmock.Script to provide a convenient test server.
type MockServer struct {
	Script   *pgmock.Script
	Listener net.Listener
	t        *testing.T
}

// NewMockServer creates a new mock PostgreSQL server for testing.
func NewMockServer(t *testing.T, steps ...pgmock.Step) *MockServer {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}

	return &MockServer{
		Script: &pgmock.Script{
			Steps: steps,
		},
		Listener: listener,
		t:        t,
	}
}

// Addr returns the address the mock server is listening on.
func (m *MockServer) Addr() string {
	return m.Listener.Addr().String()
}

// ConnString returns a pgx connection string for the server. The simple
// protocol is forced so every statement arrives as a single Query message.
func (m *MockServer) ConnString() string {
	return "postgres://postgres@" + m.Addr() + "/postgres?sslmode=disable&default_query_exec_mode=simple_protocol"
}

// Serve accepts a single connection and runs the mock script.
// This should be called in a goroutine.
func (m *MockServer) Serve() error {
	conn, err := m.Listener.Accept()
	if err != nil {
		return err
	}
	defer conn.Close()

	backend := pgproto3.NewBackend(pgproto3.NewChunkReader(conn), conn)
	return m.Script.Run(backend)
}

// Close closes the listener.
func (m *MockServer) Close() error {
	return m.Listener.Close()
}

// Start serves the script in the background, connects a pgx client and
// registers cleanup that closes the client and fails the test if the script
// did not run to completion.
func Start(t *testing.T, steps ...pgmock.Step) *pgx.Conn {
	t.Helper()

	server := NewMockServer(t, steps...)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, server.ConnString())
	if err != nil {
		server.Close()
		t.Fatalf("failed to connect: %v", err)
	}

	t.Cleanup(func() {
		conn.Close(context.Background())
		if err := <-errCh; err != nil {
			t.Errorf("mock server script failed: %v", err)
		}
		server.Close()
	})
	return conn
}

// AcceptConnSteps returns steps for accepting an unauthenticated connection
// whose backend reports pid. The parameter statuses are the ones pgx needs
// before it will run simple protocol queries.
func AcceptConnSteps(pid uint32) []pgmock.Step {
	return []pgmock.Step{
		pgmock.ExpectAnyMessage(&pgproto3.StartupMessage{ProtocolVersion: pgproto3.ProtocolVersionNumber, Parameters: map[string]string{}}),
		pgmock.SendMessage(&pgproto3.AuthenticationOk{}),
		pgmock.SendMessage(&pgproto3.ParameterStatus{Name: "standard_conforming_strings", Value: "on"}),
		pgmock.SendMessage(&pgproto3.ParameterStatus{Name: "client_encoding", Value: "UTF8"}),
		pgmock.SendMessage(&pgproto3.ParameterStatus{Name: "server_version", Value: ServerVersion}),
		pgmock.SendMessage(&pgproto3.BackendKeyData{ProcessID: pid, SecretKey: 0}),
		pgmock.SendMessage(&pgproto3.ReadyForQuery{TxStatus: 'I'}),
	}
}

// ExpectQuery returns a step that expects a simple query message.
func ExpectQuery(query string) pgmock.Step {
	return pgmock.ExpectMessage(&pgproto3.Query{String: query})
}

// Captured records query text received by CaptureQuery steps. It is safe
// to read from the test goroutine while the server goroutine writes.
type Captured struct {
	mu      sync.Mutex
	queries []string
}

// Last returns the most recently captured query, or "".
func (c *Captured) Last() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queries) == 0 {
		return ""
	}
	return c.queries[len(c.queries)-1]
}

// All returns every captured query in arrival order.
func (c *Captured) All() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.queries)
}

func (c *Captured) add(q string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries = append(c.queries, q)
}

// CaptureQuery returns a step that accepts any simple query and records its
// text in dst for later assertions.
func CaptureQuery(dst *Captured) pgmock.Step {
	return captureQueryStep{dst: dst}
}

type captureQueryStep struct {
	dst *Captured
}

func (s captureQueryStep) Step(backend *pgproto3.Backend) error {
	msg, err := backend.Receive()
	if err != nil {
		return err
	}
	q, ok := msg.(*pgproto3.Query)
	if !ok {
		return fmt.Errorf("expected Query message, got %T", msg)
	}
	s.dst.add(q.String)
	return nil
}

// Field describes a text-format result column of the given type.
func Field(name string, oid uint32) pgproto3.FieldDescription {
	return pgproto3.FieldDescription{
		Name:         []byte(name),
		DataTypeOID:  oid,
		DataTypeSize: -1,
		TypeModifier: -1,
		Format:       0,
	}
}

// Row converts text values to a DataRow payload. A nil entry is SQL NULL.
func Row(values ...*string) [][]byte {
	out := make([][]byte, len(values))
	for i, v := range values {
		if v != nil {
			out[i] = []byte(*v)
		}
	}
	return out
}

// Text returns a pointer to s, for use with Row.
func Text(s string) *string {
	return &s
}

// Int returns a pointer to the decimal text of n, for use with Row.
func Int(n int) *string {
	return Text(strconv.Itoa(n))
}

// SendRowDescription returns a step that sends column metadata.
func SendRowDescription(fields []pgproto3.FieldDescription) pgmock.Step {
	return pgmock.SendMessage(&pgproto3.RowDescription{Fields: fields})
}

// SendDataRow returns a step that sends a row of data.
func SendDataRow(values [][]byte) pgmock.Step {
	return pgmock.SendMessage(&pgproto3.DataRow{Values: values})
}

// SendCommandComplete returns a step that sends command completion.
func SendCommandComplete(tag string) pgmock.Step {
	return pgmock.SendMessage(&pgproto3.CommandComplete{CommandTag: []byte(tag)})
}

// SendReadyForQuery returns a step that sends ready for query status.
// status should be 'I' (idle), 'T' (in transaction), or 'E' (error).
func SendReadyForQuery(status byte) pgmock.Step {
	return pgmock.SendMessage(&pgproto3.ReadyForQuery{TxStatus: status})
}

// SendError returns a step that sends an error response.
func SendError(severity, code, message string) pgmock.Step {
	return pgmock.SendMessage(&pgproto3.ErrorResponse{
		Severity: severity,
		Code:     code,
		Message:  message,
	})
}

// WaitForClose returns a step that waits for connection close.
func WaitForClose() pgmock.Step {
	return pgmock.WaitForClose()
}

// CommandSteps expects query, completes it with tag and reports status.
func CommandSteps(query, tag string, status byte) []pgmock.Step {
	return []pgmock.Step{
		ExpectQuery(query),
		SendCommandComplete(tag),
		SendReadyForQuery(status),
	}
}

// SimpleQuerySteps returns a common pattern: expect query, return result, ready for query.
func SimpleQuerySteps(query string, tag string) []pgmock.Step {
	return CommandSteps(query, tag, 'I')
}

// ErrorSteps expects query and fails it, leaving the session in status.
func ErrorSteps(query, code, message string, status byte) []pgmock.Step {
	return []pgmock.Step{
		ExpectQuery(query),
		SendError("ERROR", code, message),
		SendReadyForQuery(status),
	}
}

// ResultSteps sends a result set after a query has been received (use after
// ExpectQuery or CaptureQuery).
func ResultSteps(fields []pgproto3.FieldDescription, rows [][][]byte, tag string) []pgmock.Step {
	steps := []pgmock.Step{SendRowDescription(fields)}
	for _, row := range rows {
		steps = append(steps, SendDataRow(row))
	}
	return append(steps,
		SendCommandComplete(tag),
		SendReadyForQuery('I'),
	)
}

// SimpleSelectSteps returns steps for a simple SELECT query with results.
func SimpleSelectSteps(query string, fields []pgproto3.FieldDescription, rows [][][]byte, tag string) []pgmock.Step {
	return append([]pgmock.Step{ExpectQuery(query)}, ResultSteps(fields, rows, tag)...)
}
