package raftstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	hraft "github.com/hashicorp/raft"

	"fedstate/internal/store/memory"
)

// fsm.go - the replicated state machine. Commands are applied to a
// memory.Store; snapshots are a full JSON dump of it.

// ============================================================================
// fsm
// ============================================================================

type fsm struct {
	mem *memory.Store
}

var _ hraft.FSM = (*fsm)(nil)

func newFSM(mem *memory.Store) *fsm {
	return &fsm{mem: mem}
}

// Apply returns the JSON encoded applyResponse as []byte.
func (f *fsm) Apply(l *hraft.Log) interface{} {
	var env commandEnvelope
	if err := json.Unmarshal(l.Data, &env); err != nil {
		return encodeResponse(0, fmt.Errorf("decode command: %w", err))
	}
	var cmd recordCommand
	if err := json.Unmarshal(env.Data, &cmd); err != nil {
		return encodeResponse(0, fmt.Errorf("decode %s payload: %w", env.Op, err))
	}

	switch env.Op {
	case opCreate:
		idx, err := f.mem.CompareAndSwap(cmd.Table, cmd.Key, cmd.Value, 0)
		if errors.Is(err, memory.ErrConflict) {
			err = errExists
		}
		return encodeResponse(idx, err)
	case opPut:
		idx, err := f.mem.CompareAndSwap(cmd.Table, cmd.Key, cmd.Value, cmd.Expect)
		return encodeResponse(idx, err)
	case opDelete:
		err := f.mem.Delete(context.Background(), cmd.Table, cmd.Key)
		return encodeResponse(f.mem.Index(), err)
	default:
		return encodeResponse(0, errString("unknown op: "+env.Op))
	}
}

// Snapshot copies the state; Persist encodes it off the apply path.
func (f *fsm) Snapshot() (hraft.FSMSnapshot, error) {
	snap, err := f.mem.Snapshot()
	if err != nil {
		return nil, err
	}
	return &fsmSnapshot{snap: snap}, nil
}

// Restore replaces the state with a snapshot written by Persist.
func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var snap memory.Snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("raftstore: decode snapshot: %w", err)
	}
	return f.mem.Restore(snap)
}

// ============================================================================
// snapshot
// ============================================================================

type fsmSnapshot struct {
	snap memory.Snapshot
}

func (s *fsmSnapshot) Persist(sink hraft.SnapshotSink) error {
	data, err := json.Marshal(s.snap)
	if err == nil {
		_, err = io.Copy(sink, bytes.NewReader(data))
	}
	if err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
