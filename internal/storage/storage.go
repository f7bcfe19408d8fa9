// Package storage provides the session store of sessiond. Callers read an
// exclusively-owned working set of sessions, mutate it in memory and write
// back only the recorded update criteria. A write is rejected with ErrConflict
// when any session it touches has been written since it was read; the caller
// then retries the whole logical operation from a fresh read.
//
// The authoritative copy lives in process memory, including the in-flight
// reporting state of every credit. Durable backends (badger, redis) receive
// the durable form of each record, without reporting state, so a restarted
// process re-detects exhaustion and reports again instead of double counting.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/free5gc/sessiond/internal/logger"
	"github.com/free5gc/sessiond/internal/model"
	"github.com/free5gc/sessiond/internal/rules"
	"github.com/free5gc/sessiond/internal/session"
	"github.com/free5gc/sessiond/pkg/factory"
)

var (
	// ErrConflict is returned when a written session advanced past the version
	// it was read at, or disappeared.
	ErrConflict = errors.New("session store write conflict")

	// ErrSessionExists is returned when creating a session whose key is taken.
	ErrSessionExists = errors.New("session already exists")
)

// Store is the session store used by the enforcer. All operations are safe to
// call from concurrent goroutines.
type Store interface {
	// Read returns copies of every session of the given subscribers. Unknown
	// subscribers are simply absent from the result.
	Read(ctx context.Context, subscriberIDs []string) (SessionMap, error)

	// ReadAll returns copies of every stored session.
	ReadAll(ctx context.Context) (SessionMap, error)

	// Create persists a new session at version 1.
	Create(ctx context.Context, newSession *session.Session) error

	// Write applies a batch of update criteria atomically: either every
	// session is updated or none is. A criteria with IsSessionEnded removes
	// the session.
	Write(ctx context.Context, update SessionUpdate) error

	// SyncOnRestart re-runs the rule lifetime sync of every stored session
	// against now and reports what each session needs re-armed.
	SyncOnRestart(ctx context.Context, now time.Time) ([]RestartSync, error)

	// Close releases the durable backend.
	Close() error
}

// SessionMap is a working set: the sessions of each subscriber, ordered by
// session id.
type SessionMap map[string][]*session.Session

// Find returns the session with the given key.
func (sessionMap SessionMap) Find(key model.SessionKey) (*session.Session, bool) {
	for _, candidate := range sessionMap[key.SubscriberID] {
		if candidate.SessionID() == key.SessionID {
			return candidate, true
		}
	}
	return nil, false
}

// Sessions returns every session ordered by subscriber then session id.
func (sessionMap SessionMap) Sessions() []*session.Session {
	subscriberIDs := make([]string, 0, len(sessionMap))
	for subscriberID := range sessionMap {
		subscriberIDs = append(subscriberIDs, subscriberID)
	}
	sort.Strings(subscriberIDs)

	sessions := make([]*session.Session, 0, len(sessionMap))
	for _, subscriberID := range subscriberIDs {
		sessions = append(sessions, sessionMap[subscriberID]...)
	}
	return sessions
}

// SessionUpdate is a batch of update criteria keyed by session.
type SessionUpdate map[model.SessionKey]*session.UpdateCriteria

// NewSessionUpdate returns an empty batch.
func NewSessionUpdate() SessionUpdate {
	return make(SessionUpdate)
}

// CriteriaFor returns the criteria of a session of the working set, creating
// it bound to the version the session was read at.
func (update SessionUpdate) CriteriaFor(target *session.Session) *session.UpdateCriteria {
	key := target.Key()
	if uc, found := update[key]; found {
		return uc
	}
	uc := target.NewUpdateCriteria()
	update[key] = uc
	return uc
}

// RestartSync is what restart recovery found for one session.
type RestartSync struct {
	Key   model.SessionKey
	State session.State
	Rules session.RuleSyncResult
}

// NewStoreFromConfig creates a Store based on the store configuration and
// loads every durable record into memory.
func NewStoreFromConfig(ctx context.Context, storeConfig factory.StoreConfig, catalog rules.Lookup) (Store, error) {
	var durable backend
	switch storeConfig.Driver {
	case factory.StoreDriverMemory:
		logger.StorageLog.Infof("Using in-memory session store")
		durable = nopBackend{}
	case factory.StoreDriverBadger:
		logger.StorageLog.Infof("Using badger session store (path=%q)", storeConfig.Path)
		badgerStore, openError := newBadgerBackend(storeConfig)
		if openError != nil {
			return nil, openError
		}
		durable = badgerStore
	case factory.StoreDriverRedis:
		logger.StorageLog.Infof("Using redis session store (addr=%s, db=%d)", storeConfig.Addr, storeConfig.DB)
		redisStore, openError := newRedisBackend(ctx, storeConfig)
		if openError != nil {
			return nil, openError
		}
		durable = redisStore
	default:
		return nil, fmt.Errorf("unknown store driver %q", storeConfig.Driver)
	}
	return newSessionStore(ctx, durable, catalog)
}

// -----------------------------------------------------------------------------
// Versioned in-memory store
// -----------------------------------------------------------------------------

type sessionStore struct {
	mutexForRecords sync.RWMutex
	records         map[model.SessionKey]session.StoredSession

	durable backend
	catalog rules.Lookup
}

func newSessionStore(ctx context.Context, durable backend, catalog rules.Lookup) (*sessionStore, error) {
	loaded, loadError := durable.loadAll(ctx)
	if loadError != nil {
		if closeError := durable.close(); closeError != nil {
			logger.StorageLog.Warnf("closing %s backend after failed load: %v", durable.name(), closeError)
		}
		return nil, errors.Wrapf(loadError, "load sessions from %s backend", durable.name())
	}

	store := &sessionStore{
		records: make(map[model.SessionKey]session.StoredSession, len(loaded)),
		durable: durable,
		catalog: catalog,
	}
	for _, record := range loaded {
		store.records[record.Key()] = record
	}
	if len(loaded) > 0 {
		logger.StorageLog.Infof("loaded %d session(s) from %s backend", len(loaded), durable.name())
	}
	return store, nil
}

func (store *sessionStore) Read(ctx context.Context, subscriberIDs []string) (SessionMap, error) {
	if contextError := ctx.Err(); contextError != nil {
		return nil, contextError
	}
	wanted := make(map[string]bool, len(subscriberIDs))
	for _, subscriberID := range subscriberIDs {
		wanted[subscriberID] = true
	}

	store.mutexForRecords.RLock()
	defer store.mutexForRecords.RUnlock()

	return store.workingSetLocked(func(key model.SessionKey) bool {
		return wanted[key.SubscriberID]
	}), nil
}

func (store *sessionStore) ReadAll(ctx context.Context) (SessionMap, error) {
	if contextError := ctx.Err(); contextError != nil {
		return nil, contextError
	}

	store.mutexForRecords.RLock()
	defer store.mutexForRecords.RUnlock()

	return store.workingSetLocked(func(model.SessionKey) bool { return true }), nil
}

// workingSetLocked builds exclusively-owned sessions; it assumes
// mutexForRecords is held.
func (store *sessionStore) workingSetLocked(include func(model.SessionKey) bool) SessionMap {
	workingSet := make(SessionMap)
	for key, record := range store.records {
		if !include(key) {
			continue
		}
		workingSet[key.SubscriberID] = append(workingSet[key.SubscriberID], session.Unmarshal(record, store.catalog))
	}
	for subscriberID, sessions := range workingSet {
		sort.Slice(sessions, func(i, j int) bool {
			return sessions[i].SessionID() < sessions[j].SessionID()
		})
		workingSet[subscriberID] = sessions
	}
	return workingSet
}

func (store *sessionStore) Create(ctx context.Context, newSession *session.Session) error {
	record := newSession.Marshal()
	key := record.Key()
	record.Version = 1

	store.mutexForRecords.Lock()
	defer store.mutexForRecords.Unlock()

	if _, exists := store.records[key]; exists {
		return errors.Wrapf(ErrSessionExists, "create %s", key)
	}

	durableRecord := record.Durable()
	commitError := store.durable.commit(ctx, []recordChange{{key: key, record: &durableRecord}})
	if commitError != nil {
		if errors.Is(commitError, ErrConflict) {
			store.refreshLocked(ctx, []model.SessionKey{key})
			return errors.Wrapf(ErrSessionExists, "create %s", key)
		}
		return errors.Wrapf(commitError, "create %s", key)
	}

	store.records[key] = record
	logger.StorageLog.Debugf("session %s created", key)
	return nil
}

func (store *sessionStore) Write(ctx context.Context, update SessionUpdate) error {
	if contextError := ctx.Err(); contextError != nil {
		return contextError
	}

	store.mutexForRecords.Lock()
	defer store.mutexForRecords.Unlock()

	keys := make([]model.SessionKey, 0, len(update))
	for key, uc := range update {
		if uc == nil || uc.IsEmpty() {
			continue
		}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	if len(keys) == 0 {
		return nil
	}

	changes := make([]recordChange, 0, len(keys))
	replayed := make(map[model.SessionKey]session.StoredSession, len(keys))
	for _, key := range keys {
		uc := update[key]
		current, exists := store.records[key]
		if !exists {
			return errors.Wrapf(ErrConflict, "session %s no longer exists", key)
		}
		if current.Version != uc.ReadVersion {
			return errors.Wrapf(ErrConflict, "session %s read at version %d, stored at %d",
				key, uc.ReadVersion, current.Version)
		}

		if uc.IsSessionEnded {
			changes = append(changes, recordChange{key: key, expectedVersion: current.Version})
			continue
		}

		next := current.ApplyUpdateCriteria(uc, store.catalog)
		next.Version = current.Version + 1
		replayed[key] = next

		durableRecord := next.Durable()
		changes = append(changes, recordChange{
			key:             key,
			expectedVersion: current.Version,
			record:          &durableRecord,
		})
	}

	if commitError := store.durable.commit(ctx, changes); commitError != nil {
		if errors.Is(commitError, ErrConflict) {
			store.refreshLocked(ctx, keys)
		}
		return errors.Wrapf(commitError, "write %d session(s)", len(keys))
	}

	for _, change := range changes {
		if change.record == nil {
			delete(store.records, change.key)
			logger.StorageLog.Debugf("session %s removed", change.key)
			continue
		}
		store.records[change.key] = replayed[change.key]
	}
	return nil
}

// refreshLocked reloads records another writer advanced in the durable
// backend so the caller's retry reads them; it assumes mutexForRecords is
// held.
func (store *sessionStore) refreshLocked(ctx context.Context, keys []model.SessionKey) {
	fresh, loadError := store.durable.load(ctx, keys)
	if loadError != nil {
		logger.StorageLog.Warnf("refresh after conflict failed: %v", loadError)
		return
	}
	for _, key := range keys {
		if record, found := fresh[key]; found {
			store.records[key] = record
		} else {
			delete(store.records, key)
		}
	}
}

func (store *sessionStore) SyncOnRestart(ctx context.Context, now time.Time) ([]RestartSync, error) {
	store.mutexForRecords.Lock()
	keys := make([]model.SessionKey, 0, len(store.records))
	for key := range store.records {
		keys = append(keys, key)
	}
	store.mutexForRecords.Unlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	results := make([]RestartSync, 0, len(keys))
	for _, key := range keys {
		workingSet, readError := store.Read(ctx, []string{key.SubscriberID})
		if readError != nil {
			return results, readError
		}
		restored, found := workingSet.Find(key)
		if !found {
			continue
		}

		uc := restored.NewUpdateCriteria()
		synced := restored.SyncRulesToTime(now, uc)
		if !uc.IsEmpty() {
			if writeError := store.Write(ctx, SessionUpdate{key: uc}); writeError != nil {
				return results, errors.Wrapf(writeError, "restart sync of %s", key)
			}
		}
		results = append(results, RestartSync{Key: key, State: restored.State(), Rules: synced})
	}
	logger.StorageLog.Infof("restart sync finished for %d session(s)", len(results))
	return results, nil
}

func (store *sessionStore) Close() error {
	return store.durable.close()
}
