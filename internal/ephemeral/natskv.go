package ephemeral

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// kvRecord wraps stored values with their fine-grained deadline. The
// bucket TTL is the server-side backstop that reaps entries from dead
// gateways; the embedded deadline is what reads honor, so a marker is
// never served past its own expiry even before the server reaps it.
type kvRecord struct {
	Value     []byte    `json:"v"`
	ExpiresAt time.Time `json:"exp"`
}

// NATSKV is the Store backed by a JetStream key-value bucket, shared by
// all gateway instances of a deployment.
type NATSKV struct {
	kv nats.KeyValue
}

// OpenBucket binds to an existing bucket or creates it with the given
// server-side TTL. Buckets are memory-storage: this data must not
// outlive the cluster, it only has to be shared across gateways.
func OpenBucket(js nats.JetStreamContext, bucket string, maxTTL time.Duration) (*NATSKV, error) {
	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  bucket,
			History: 1,
			TTL:     maxTTL,
			Storage: nats.MemoryStorage,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("open kv bucket %s: %w", bucket, err)
	}
	return &NATSKV{kv: kv}, nil
}

func (s *NATSKV) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	data, err := json.Marshal(kvRecord{
		Value:     value,
		ExpiresAt: time.Now().Add(ttl).UTC(),
	})
	if err != nil {
		return err
	}
	_, err = s.kv.Put(key, data)
	return err
}

func (s *NATSKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	entry, err := s.kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var record kvRecord
	if err := json.Unmarshal(entry.Value(), &record); err != nil {
		return nil, false, err
	}
	if time.Now().After(record.ExpiresAt) {
		_ = s.kv.Delete(key)
		return nil, false, nil
	}
	return record.Value, true, nil
}

func (s *NATSKV) Delete(_ context.Context, key string) error {
	err := s.kv.Delete(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (s *NATSKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	all, err := s.kv.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, key := range all {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		// Re-check through Get so deadlines the server has not reaped
		// yet still count as gone.
		if _, ok, err := s.Get(ctx, key); err == nil && ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}
