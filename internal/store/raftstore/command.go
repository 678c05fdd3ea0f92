package raftstore

import (
	"encoding/json"
	"errors"
	"fmt"

	"fedstate/internal/store/backend"
	"fedstate/internal/store/memory"
)

// Raft log commands and their responses. Kept in one place so the FSM
// and the write path agree on the encoding.

// ============================================================================
// operations
// ============================================================================

const (
	opCreate = "create"
	opPut    = "put"
	opDelete = "delete"
)

// ============================================================================
// envelope
// ============================================================================

// commandEnvelope wraps every command written to the raft log.
type commandEnvelope struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// ============================================================================
// payloads
// ============================================================================

// recordCommand carries create and put. Expect is the modify index the
// record must have for a put to apply; 0 means it must be absent.
type recordCommand struct {
	Table  backend.Table `json:"table"`
	Key    string        `json:"key"`
	Value  []byte        `json:"value,omitempty"`
	Expect uint64        `json:"expect,omitempty"`
}

// applyResponse is returned by the FSM for every command.
type applyResponse struct {
	Index uint64 `json:"index"`
	Code  string `json:"code,omitempty"`
	Err   string `json:"err,omitempty"`
}

// response codes
const (
	codeNoRecord = "no_record"
	codeExists   = "exists"
	codeConflict = "conflict"
	codeClosed   = "closed"
	codeError    = "error"
)

// errConflict means the record changed between the leader's read and the
// commit of its write, typically across a leadership change.
var errConflict = errors.New("raftstore: concurrent modification")

var errExists = fmt.Errorf("raftstore: %w", backend.ErrRecordExists)

// ============================================================================
// builders
// ============================================================================

func buildCommand(op string, data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(commandEnvelope{Op: op, Data: payload})
}

func buildCreateCommand(table backend.Table, key string, value []byte) ([]byte, error) {
	return buildCommand(opCreate, recordCommand{Table: table, Key: key, Value: value})
}

func buildPutCommand(table backend.Table, key string, value []byte, expect uint64) ([]byte, error) {
	return buildCommand(opPut, recordCommand{Table: table, Key: key, Value: value, Expect: expect})
}

func buildDeleteCommand(table backend.Table, key string) ([]byte, error) {
	return buildCommand(opDelete, recordCommand{Table: table, Key: key})
}

// ============================================================================
// responses
// ============================================================================

func encodeResponse(index uint64, err error) []byte {
	resp := applyResponse{Index: index}
	switch {
	case err == nil:
	case errors.Is(err, backend.ErrNoRecord):
		resp.Code = codeNoRecord
	case errors.Is(err, backend.ErrRecordExists):
		resp.Code = codeExists
	case errors.Is(err, memory.ErrConflict):
		resp.Code = codeConflict
	case errors.Is(err, backend.ErrClosed):
		resp.Code = codeClosed
	default:
		resp.Code = codeError
		resp.Err = err.Error()
	}
	b, _ := json.Marshal(resp)
	return b
}

// parseResponse turns an FSM response back into a backend error.
func parseResponse(data []byte) (uint64, error) {
	var resp applyResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return 0, err
	}
	switch resp.Code {
	case "":
		return resp.Index, nil
	case codeNoRecord:
		return resp.Index, backend.ErrNoRecord
	case codeExists:
		return resp.Index, backend.ErrRecordExists
	case codeConflict:
		return resp.Index, errConflict
	case codeClosed:
		return resp.Index, backend.ErrClosed
	default:
		return resp.Index, errString(resp.Err)
	}
}

// errString carries an error message across the raft log.
type errString string

func (e errString) Error() string { return string(e) }
