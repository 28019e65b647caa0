package activity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeState(t *testing.T) {
	assert.Equal(t, "IDLE_IN_TRANSACTION", NormalizeState("idle in transaction"))
	assert.Equal(t, "IDLE_IN_TRANSACTION_(ABORTED)", NormalizeState("idle in transaction (aborted)"))
	assert.Equal(t, "ACTIVE", NormalizeState(" active "))
	assert.Equal(t, "", NormalizeState(""))
}

func TestNormalizeWaitEvent(t *testing.T) {
	tests := map[string]string{
		"ClientRead":     "CLIENT_READ",
		"LWLock":         "LWLOCK",
		"BufferPin":      "BUFFER_PIN",
		"WalSenderMain":  "WAL_SENDER_MAIN",
		"IO":             "IO",
		"relation":       "RELATION",
		"CLIENT_READ":    "CLIENT_READ",
		"Extension":      "EXTENSION",
		"already spaced": "ALREADY_SPACED",
		"SLRU2Read":      "SLRU2_READ",
		"":               "",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeWaitEvent(in), in)
	}
}

func TestNormalizeSQL(t *testing.T) {
	assert.Equal(t, "UPPER(REPLACE(state, ' ', '_'))", stateSQL("state"))
	assert.Equal(t, `UPPER(REPLACE(regexp_replace(wait_event, '([a-z0-9])([A-Z])', '\1_\2', 'g'), ' ', '_'))`,
		waitEventSQL("wait_event"))
}
