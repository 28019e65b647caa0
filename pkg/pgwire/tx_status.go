package pgwire

import "github.com/jackc/pgx/v5/pgconn"

// TxStatus is the transaction status byte carried by ReadyForQuery.
type TxStatus byte

const (
	TxIdle          TxStatus = 'I'
	TxActive        TxStatus = 'A'
	TxInTransaction TxStatus = 'T'
	TxFailed        TxStatus = 'E'
)

// TxStatusOf reports the status of conn as of the last ReadyForQuery it
// received. A nil conn reads as idle.
func TxStatusOf(conn *pgconn.PgConn) TxStatus {
	if conn == nil {
		return TxIdle
	}
	return TxStatus(conn.TxStatus())
}

// InTransaction is true inside a transaction block, failed or not.
func (s TxStatus) InTransaction() bool {
	return s == TxInTransaction || s == TxFailed
}

// Failed is true when the server will reject every statement until the
// transaction (or savepoint) is rolled back.
func (s TxStatus) Failed() bool {
	return s == TxFailed
}

func (s TxStatus) String() string {
	switch s {
	case TxIdle:
		return "idle"
	case TxActive:
		return "active"
	case TxInTransaction:
		return "in_transaction"
	case TxFailed:
		return "failed"
	default:
		return "unknown"
	}
}
