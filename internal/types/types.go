// Package types holds the WebSocket messages exchanged with table clients.
package types

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/DoyleJ11/table-sync/internal/conflict"
	"github.com/DoyleJ11/table-sync/internal/recovery"
	"github.com/DoyleJ11/table-sync/internal/syncpolicy"
)

const (
	TypeHello    = "hello"
	TypeRecover  = "recover"
	TypeActions  = "actions"
	TypeSync     = "sync"
	TypeRecovery = "recovery"
	TypeResolved = "resolved"
	TypeError    = "error"
)

var ErrInvalidMessage = errors.New("invalid client message")

type ClientMessage struct {
	Type string `json:"type"`

	// hello
	LastVersion          int64 `json:"lastVersion,omitempty"`
	MaxDeltaSize         int   `json:"maxDeltaSize,omitempty"`
	VersionDiffThreshold int64 `json:"versionDiffThreshold,omitempty"`
	Compressed           bool  `json:"compressed,omitempty"`

	// recover
	ClientVersion int64  `json:"clientVersion,omitempty"`
	ClientHash    string `json:"clientHash,omitempty"`

	// actions
	Actions        []conflict.Action        `json:"actions,omitempty"`
	Strategy       string                   `json:"strategy,omitempty"`
	AuthorityRules *conflict.AuthorityRules `json:"authorityRules,omitempty"`
}

// SyncOptions turns the hello capabilities into per-client overrides.
func (m ClientMessage) SyncOptions() []syncpolicy.Option {
	var opts []syncpolicy.Option
	if m.MaxDeltaSize > 0 {
		opts = append(opts, syncpolicy.WithMaxDeltaSize(m.MaxDeltaSize))
	}
	if m.VersionDiffThreshold > 0 {
		opts = append(opts, syncpolicy.WithVersionDiffThreshold(m.VersionDiffThreshold))
	}
	if m.Compressed {
		opts = append(opts, syncpolicy.WithCompressedSizing(true))
	}
	return opts
}

type ServerMessage struct {
	Type     string             `json:"type"`
	Result   *syncpolicy.Result `json:"result,omitempty"`
	Response *recovery.Response `json:"response,omitempty"`
	Actions  []conflict.Action  `json:"actions,omitempty"`
	Error    string             `json:"error,omitempty"`
}

func Sync(r syncpolicy.Result) ServerMessage { return ServerMessage{Type: TypeSync, Result: &r} }

func Recovery(r recovery.Response) ServerMessage {
	return ServerMessage{Type: TypeRecovery, Response: &r}
}

func Resolved(actions []conflict.Action) ServerMessage {
	return ServerMessage{Type: TypeResolved, Actions: actions}
}

func Error(err error) ServerMessage { return ServerMessage{Type: TypeError, Error: err.Error()} }

//go:embed schemas/client.schema.json
var clientSchemaJSON []byte

const clientSchemaURL = "https://table-sync.local/schemas/client.schema.json"

var (
	schemaOnce   sync.Once
	clientSchema *jsonschema.Schema
	schemaErr    error
)

func schema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(clientSchemaURL, bytes.NewReader(clientSchemaJSON)); err != nil {
			schemaErr = err
			return
		}
		clientSchema, schemaErr = c.Compile(clientSchemaURL)
	})
	return clientSchema, schemaErr
}

// DecodeClient validates data against the client schema and decodes it.
func DecodeClient(data []byte) (ClientMessage, error) {
	s, err := schema()
	if err != nil {
		return ClientMessage{}, fmt.Errorf("client schema: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := s.Validate(doc); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	var m ClientMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return m, nil
}
