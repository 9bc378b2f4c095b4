// Package types mirrors the table-sync wire protocol for clients. Payload
// trees are left as raw JSON so a client can apply them to its own model.
//
// Client -> Server
//
//	hello:   lastVersion, maxDeltaSize?, versionDiffThreshold?, compressed?
//	recover: clientVersion, clientHash
//	actions: actions[], strategy?, authorityRules?
//
// Server -> Client
//
//	sync:     result {type: "snapshot"|"delta", snapshot?|delta?}
//	recovery: response {success, updates?, reason?}
//	resolved: actions[] (one per conflicting millisecond, oldest first)
//	error:    error
package types

import "encoding/json"

type Action struct {
	PlayerID string `json:"playerId"`
	Action   string `json:"action"`
	Amount   *int64 `json:"amount,omitempty"`

	// Timestamp is Unix milliseconds; the fraction orders actions within a
	// millisecond.
	Timestamp      float64 `json:"timestamp"`
	PlayerRole     string  `json:"playerRole,omitempty"`
	AuthorityLevel *int    `json:"authorityLevel,omitempty"`
}

type AuthorityRules struct {
	RoleAuthority          map[string]int `json:"roleAuthority,omitempty"`
	UseTimestampTiebreaker *bool          `json:"useTimestampTiebreaker,omitempty"`
}

type ClientMessage struct {
	Type string `json:"type"`

	LastVersion          int64 `json:"lastVersion,omitempty"`
	MaxDeltaSize         int   `json:"maxDeltaSize,omitempty"`
	VersionDiffThreshold int64 `json:"versionDiffThreshold,omitempty"`
	Compressed           bool  `json:"compressed,omitempty"`

	ClientVersion int64  `json:"clientVersion,omitempty"`
	ClientHash    string `json:"clientHash,omitempty"`

	Actions        []Action        `json:"actions,omitempty"`
	Strategy       string          `json:"strategy,omitempty"`
	AuthorityRules *AuthorityRules `json:"authorityRules,omitempty"`
}

// Snapshot: playerStates is a list of [id, state] pairs sorted by id.
type Snapshot struct {
	Version      int64                `json:"version"`
	Hash         string               `json:"hash"`
	GameState    json.RawMessage      `json:"gameState"`
	PlayerStates [][2]json.RawMessage `json:"playerStates"`
	CreatedAt    int64                `json:"createdAt"`
}

// Change sets Path (an RFC 6901 pointer) to NewValue, or deletes it when
// Removed.
type Change struct {
	Path     string          `json:"path"`
	NewValue json.RawMessage `json:"newValue"`
	OldValue json.RawMessage `json:"oldValue,omitempty"`
	Removed  bool            `json:"removed,omitempty"`
}

type Delta struct {
	FromVersion int64    `json:"fromVersion"`
	ToVersion   int64    `json:"toVersion"`
	Changes     []Change `json:"changes"`
	CreatedAt   int64    `json:"createdAt,omitempty"`
}

type SyncResult struct {
	Type     string    `json:"type"`
	Snapshot *Snapshot `json:"snapshot,omitempty"`
	Delta    *Delta    `json:"delta,omitempty"`
}

type RecoveryResponse struct {
	Success bool   `json:"success"`
	Updates *Delta `json:"updates,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type ServerMessage struct {
	Type     string            `json:"type"`
	Result   *SyncResult       `json:"result,omitempty"`
	Response *RecoveryResponse `json:"response,omitempty"`
	Actions  []Action          `json:"actions,omitempty"`
	Error    string            `json:"error,omitempty"`
}
