package storage

import (
	"context"
	"encoding/json"

	"github.com/free5gc/sessiond/internal/model"
	"github.com/free5gc/sessiond/internal/session"
)

// backend persists durable session records. commit applies every change or
// none, and fails with ErrConflict when a record's stored version differs from
// the expected one.
type backend interface {
	name() string
	loadAll(ctx context.Context) ([]session.StoredSession, error)
	load(ctx context.Context, keys []model.SessionKey) (map[model.SessionKey]session.StoredSession, error)
	commit(ctx context.Context, changes []recordChange) error
	close() error
}

// recordChange writes record, or deletes the key when record is nil. An
// expectedVersion of zero means the key must not exist yet.
type recordChange struct {
	key             model.SessionKey
	expectedVersion uint64
	record          *session.StoredSession
}

// storedVersion is the part of an encoded record a version compare needs.
type storedVersion struct {
	Version uint64 `json:"version"`
}

func encodeRecord(record session.StoredSession) ([]byte, error) {
	return json.Marshal(record)
}

func decodeRecord(encoded []byte) (session.StoredSession, error) {
	var record session.StoredSession
	decodeError := json.Unmarshal(encoded, &record)
	return record, decodeError
}

func decodeVersion(encoded []byte) (uint64, error) {
	var version storedVersion
	if decodeError := json.Unmarshal(encoded, &version); decodeError != nil {
		return 0, decodeError
	}
	return version.Version, nil
}

// nopBackend is the memory driver: nothing outlives the process.
type nopBackend struct{}

func (nopBackend) name() string { return "memory" }

func (nopBackend) loadAll(context.Context) ([]session.StoredSession, error) {
	return nil, nil
}

func (nopBackend) load(context.Context, []model.SessionKey) (map[model.SessionKey]session.StoredSession, error) {
	return nil, nil
}

func (nopBackend) commit(context.Context, []recordChange) error {
	return nil
}

func (nopBackend) close() error {
	return nil
}
