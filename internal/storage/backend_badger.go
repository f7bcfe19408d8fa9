package storage

import (
	"context"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"

	"github.com/free5gc/sessiond/internal/logger"
	"github.com/free5gc/sessiond/internal/model"
	"github.com/free5gc/sessiond/internal/session"
	"github.com/free5gc/sessiond/pkg/factory"
)

// badgerBackend keeps records in an embedded badger database. An empty path
// runs badger in memory.
type badgerBackend struct {
	db        *badger.DB
	keyPrefix string
}

func newBadgerBackend(storeConfig factory.StoreConfig) (*badgerBackend, error) {
	options := badger.DefaultOptions(storeConfig.Path).WithLogger(nil)
	if storeConfig.Path == "" {
		options = options.WithInMemory(true)
	}
	db, openError := badger.Open(options)
	if openError != nil {
		return nil, errors.Wrap(openError, "open badger")
	}
	return &badgerBackend{db: db, keyPrefix: storeConfig.KeyPrefix}, nil
}

func (backend *badgerBackend) name() string { return "badger" }

func (backend *badgerBackend) recordPrefix() []byte {
	return []byte(backend.keyPrefix + "session:")
}

func (backend *badgerBackend) recordKey(key model.SessionKey) []byte {
	return []byte(backend.keyPrefix + "session:" + key.SubscriberID + ":" + key.SessionID)
}

func (backend *badgerBackend) loadAll(ctx context.Context) ([]session.StoredSession, error) {
	var records []session.StoredSession
	viewError := backend.db.View(func(txn *badger.Txn) error {
		iteratorOptions := badger.DefaultIteratorOptions
		iteratorOptions.Prefix = backend.recordPrefix()
		iterator := txn.NewIterator(iteratorOptions)
		defer iterator.Close()

		for iterator.Rewind(); iterator.Valid(); iterator.Next() {
			if contextError := ctx.Err(); contextError != nil {
				return contextError
			}
			encoded, copyError := iterator.Item().ValueCopy(nil)
			if copyError != nil {
				return copyError
			}
			record, decodeError := decodeRecord(encoded)
			if decodeError != nil {
				logger.StorageLog.Warnf("skipping undecodable record %q: %v", iterator.Item().Key(), decodeError)
				continue
			}
			records = append(records, record)
		}
		return nil
	})
	return records, viewError
}

func (backend *badgerBackend) load(
	ctx context.Context,
	keys []model.SessionKey,
) (map[model.SessionKey]session.StoredSession, error) {
	records := make(map[model.SessionKey]session.StoredSession, len(keys))
	viewError := backend.db.View(func(txn *badger.Txn) error {
		for _, key := range keys {
			if contextError := ctx.Err(); contextError != nil {
				return contextError
			}
			item, getError := txn.Get(backend.recordKey(key))
			if errors.Is(getError, badger.ErrKeyNotFound) {
				continue
			}
			if getError != nil {
				return getError
			}
			encoded, copyError := item.ValueCopy(nil)
			if copyError != nil {
				return copyError
			}
			record, decodeError := decodeRecord(encoded)
			if decodeError != nil {
				return errors.Wrapf(decodeError, "decode %s", key)
			}
			records[key] = record
		}
		return nil
	})
	return records, viewError
}

func (backend *badgerBackend) commit(ctx context.Context, changes []recordChange) error {
	updateError := backend.db.Update(func(txn *badger.Txn) error {
		for _, change := range changes {
			if contextError := ctx.Err(); contextError != nil {
				return contextError
			}
			recordKey := backend.recordKey(change.key)

			current, readError := backend.versionOf(txn, recordKey)
			if readError != nil {
				return readError
			}
			if current != change.expectedVersion {
				return errors.Wrapf(ErrConflict, "session %s stored at version %d, expected %d",
					change.key, current, change.expectedVersion)
			}

			if change.record == nil {
				if deleteError := txn.Delete(recordKey); deleteError != nil {
					return deleteError
				}
				continue
			}
			encoded, encodeError := encodeRecord(*change.record)
			if encodeError != nil {
				return errors.Wrapf(encodeError, "encode %s", change.key)
			}
			if setError := txn.SetEntry(badger.NewEntry(recordKey, encoded)); setError != nil {
				return setError
			}
		}
		return nil
	})
	if errors.Is(updateError, badger.ErrConflict) {
		return errors.Wrap(ErrConflict, updateError.Error())
	}
	return updateError
}

// versionOf returns the stored version of a record, zero when absent.
func (backend *badgerBackend) versionOf(txn *badger.Txn, recordKey []byte) (uint64, error) {
	item, getError := txn.Get(recordKey)
	if errors.Is(getError, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if getError != nil {
		return 0, getError
	}
	var version uint64
	valueError := item.Value(func(encoded []byte) error {
		decoded, decodeError := decodeVersion(encoded)
		version = decoded
		return decodeError
	})
	return version, valueError
}

func (backend *badgerBackend) close() error {
	return backend.db.Close()
}
