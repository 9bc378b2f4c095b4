package types

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/table-sync/internal/conflict"
)

func TestDecodeClient(t *testing.T) {
	hash := strings.Repeat("ab", 32)
	cases := []struct {
		name  string
		in    string
		valid bool
	}{
		{"hello", `{"type":"hello","lastVersion":4,"maxDeltaSize":1024}`, true},
		{"bare hello", `{"type":"hello"}`, true},
		{"recover", `{"type":"recover","clientVersion":3,"clientHash":"` + hash + `"}`, true},
		{"actions", `{"type":"actions","strategy":"authority","actions":[{"playerId":"p1","action":"bet","amount":20,"timestamp":1000.5,"playerRole":"PLAYER"}]}`, true},
		{"rules", `{"type":"actions","actions":[],"authorityRules":{"roleAuthority":{"PLAYER":4},"useTimestampTiebreaker":false}}`, true},
		{"unknown type", `{"type":"dance"}`, false},
		{"missing type", `{"lastVersion":1}`, false},
		{"negative version", `{"type":"hello","lastVersion":-1}`, false},
		{"short hash", `{"type":"recover","clientVersion":3,"clientHash":"abc"}`, false},
		{"fractional amount", `{"type":"actions","actions":[{"playerId":"p1","action":"bet","amount":2.5,"timestamp":1}]}`, false},
		{"action missing timestamp", `{"type":"actions","actions":[{"playerId":"p1","action":"bet"}]}`, false},
		{"extra field", `{"type":"hello","token":"x"}`, false},
		{"not json", `{"type":`, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeClient([]byte(tc.in))
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidMessage)
			}
		})
	}
}

func TestDecodeClient_Fields(t *testing.T) {
	m, err := DecodeClient([]byte(`{"type":"actions","strategy":"last-write","actions":[{"playerId":"p1","action":"raise","amount":40,"timestamp":1000.25,"playerRole":"DEALER","authorityLevel":7}]}`))
	require.NoError(t, err)
	require.Len(t, m.Actions, 1)
	a := m.Actions[0]
	assert.Equal(t, "p1", a.PlayerID)
	assert.Equal(t, conflict.RoleDealer, a.Role)
	assert.Equal(t, int64(1000), a.Timestamp.UnixMilli())
	require.NotNil(t, a.AuthorityLevel)
	assert.Equal(t, 7, *a.AuthorityLevel)

	hello, err := DecodeClient([]byte(`{"type":"hello","lastVersion":2,"maxDeltaSize":512,"versionDiffThreshold":3,"compressed":true}`))
	require.NoError(t, err)
	assert.Equal(t, int64(2), hello.LastVersion)
	assert.Len(t, hello.SyncOptions(), 3)
}

func TestServerMessages(t *testing.T) {
	b, err := json.Marshal(Error(errors.New("boom")))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","error":"boom"}`, string(b))

	b, err = json.Marshal(Resolved([]conflict.Action{{PlayerID: "p1", Action: "fold", Timestamp: conflict.FromMillis(5)}}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"resolved","actions":[{"playerId":"p1","action":"fold","timestamp":5}]}`, string(b))
}
