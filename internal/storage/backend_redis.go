package storage

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/free5gc/sessiond/internal/logger"
	"github.com/free5gc/sessiond/internal/model"
	"github.com/free5gc/sessiond/internal/session"
	"github.com/free5gc/sessiond/pkg/factory"
)

const redisScanCount = 100

// redisBackend keeps records in redis, one string key per session. Version
// compares run under WATCH so that two sessiond instances sharing a database
// cannot overwrite each other.
type redisBackend struct {
	client    *redis.Client
	keyPrefix string
}

func newRedisBackend(ctx context.Context, storeConfig factory.StoreConfig) (*redisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     storeConfig.Addr,
		Password: storeConfig.Password,
		DB:       storeConfig.DB,
	})
	if pingError := client.Ping(ctx).Err(); pingError != nil {
		if closeError := client.Close(); closeError != nil {
			logger.StorageLog.Warnf("closing redis client after failed ping: %v", closeError)
		}
		return nil, errors.Wrapf(pingError, "connect redis %s", storeConfig.Addr)
	}
	return newRedisBackendFromClient(client, storeConfig.KeyPrefix), nil
}

func newRedisBackendFromClient(client *redis.Client, keyPrefix string) *redisBackend {
	return &redisBackend{client: client, keyPrefix: keyPrefix}
}

func (backend *redisBackend) name() string { return "redis" }

func (backend *redisBackend) recordPattern() string {
	return backend.keyPrefix + "session:*"
}

func (backend *redisBackend) recordKey(key model.SessionKey) string {
	return backend.keyPrefix + "session:" + key.SubscriberID + ":" + key.SessionID
}

func (backend *redisBackend) loadAll(ctx context.Context) ([]session.StoredSession, error) {
	var records []session.StoredSession
	iterator := backend.client.Scan(ctx, 0, backend.recordPattern(), redisScanCount).Iterator()
	for iterator.Next(ctx) {
		encoded, getError := backend.client.Get(ctx, iterator.Val()).Bytes()
		if errors.Is(getError, redis.Nil) {
			continue
		}
		if getError != nil {
			return nil, getError
		}
		record, decodeError := decodeRecord(encoded)
		if decodeError != nil {
			logger.StorageLog.Warnf("skipping undecodable record %q: %v", iterator.Val(), decodeError)
			continue
		}
		records = append(records, record)
	}
	return records, iterator.Err()
}

func (backend *redisBackend) load(
	ctx context.Context,
	keys []model.SessionKey,
) (map[model.SessionKey]session.StoredSession, error) {
	records := make(map[model.SessionKey]session.StoredSession, len(keys))
	for _, key := range keys {
		encoded, getError := backend.client.Get(ctx, backend.recordKey(key)).Bytes()
		if errors.Is(getError, redis.Nil) {
			continue
		}
		if getError != nil {
			return nil, getError
		}
		record, decodeError := decodeRecord(encoded)
		if decodeError != nil {
			return nil, errors.Wrapf(decodeError, "decode %s", key)
		}
		records[key] = record
	}
	return records, nil
}

func (backend *redisBackend) commit(ctx context.Context, changes []recordChange) error {
	if len(changes) == 0 {
		return nil
	}
	watched := make([]string, 0, len(changes))
	encodedRecords := make(map[string][]byte, len(changes))
	for _, change := range changes {
		recordKey := backend.recordKey(change.key)
		watched = append(watched, recordKey)
		if change.record == nil {
			continue
		}
		encoded, encodeError := encodeRecord(*change.record)
		if encodeError != nil {
			return errors.Wrapf(encodeError, "encode %s", change.key)
		}
		encodedRecords[recordKey] = encoded
	}

	transaction := func(tx *redis.Tx) error {
		for _, change := range changes {
			current, readError := backend.versionOf(ctx, tx, backend.recordKey(change.key))
			if readError != nil {
				return readError
			}
			if current != change.expectedVersion {
				return errors.Wrapf(ErrConflict, "session %s stored at version %d, expected %d",
					change.key, current, change.expectedVersion)
			}
		}
		_, pipelineError := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, change := range changes {
				recordKey := backend.recordKey(change.key)
				if change.record == nil {
					pipe.Del(ctx, recordKey)
				} else {
					pipe.Set(ctx, recordKey, encodedRecords[recordKey], 0)
				}
			}
			return nil
		})
		return pipelineError
	}

	watchError := backend.client.Watch(ctx, transaction, watched...)
	if errors.Is(watchError, redis.TxFailedErr) {
		return errors.Wrap(ErrConflict, "watched session changed during commit")
	}
	return watchError
}

// versionOf returns the stored version of a record, zero when absent.
func (backend *redisBackend) versionOf(ctx context.Context, tx *redis.Tx, recordKey string) (uint64, error) {
	encoded, getError := tx.Get(ctx, recordKey).Bytes()
	if errors.Is(getError, redis.Nil) {
		return 0, nil
	}
	if getError != nil {
		return 0, getError
	}
	return decodeVersion(encoded)
}

func (backend *redisBackend) close() error {
	return backend.client.Close()
}
