package state

import (
	"errors"
	"fmt"
)

// StateVersion is the record layout this binary reads and writes. Bump it
// when any stored pool record changes shape.
const StateVersion uint32 = 1

// ErrStateVersionMismatch is returned when a store was written by a binary
// with a different record layout.
var ErrStateVersionMismatch = errors.New("state: schema version mismatch")

var (
	schemaKey     = []byte("meta/schema")
	errNilManager = errors.New("state: manager unavailable")
)

type schemaStamp struct {
	Version uint32
}

// SetStateVersion stages a schema stamp; Commit persists it.
func (m *Manager) SetStateVersion(version uint32) error {
	if m == nil {
		return errNilManager
	}
	return m.KVPut(schemaKey, schemaStamp{Version: version})
}

// StateVersion reads the schema stamp. ok is false on a store that was never
// stamped.
func (m *Manager) StateVersion() (version uint32, ok bool, err error) {
	if m == nil {
		return 0, false, errNilManager
	}
	var stamp schemaStamp
	if ok, err = m.KVGet(schemaKey, &stamp); err != nil || !ok {
		return 0, ok, err
	}
	return stamp.Version, true, nil
}

// EnsureStateVersion stamps an empty store and rejects one written with a
// different layout unless allowMigrate is set, in which case the store is
// restamped so later starts no longer need the flag.
func (m *Manager) EnsureStateVersion(allowMigrate bool) error {
	version, ok, err := m.StateVersion()
	switch {
	case err != nil:
		return err
	case ok && version == StateVersion:
		return nil
	case ok && !allowMigrate:
		return fmt.Errorf("%w: store has %d, binary expects %d", ErrStateVersionMismatch, version, StateVersion)
	}
	if err := m.SetStateVersion(StateVersion); err != nil {
		return err
	}
	return m.Commit()
}
