package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

var ErrKeyNotFound = errors.New("key not found")

// KvConfig configures a JetStream key-value bucket.
type KvConfig struct {
	Connect  Connector
	Bucket   string
	MaxBytes int64
}

// KvStore is a small typed facade over a JetStream key-value bucket.
// Values are stored as JSON.
type KvStore[T any] struct {
	kv jetstream.KeyValue
}

func NewKvStore[T any](cfg KvConfig) (*KvStore[T], error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}

	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	nc, _, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, err
	}

	maxBytes := cfg.MaxBytes
	if maxBytes == 0 {
		maxBytes = 1024 * 1024
	}

	kv, err := js.CreateOrUpdateKeyValue(context.Background(), jetstream.KeyValueConfig{
		Bucket:   cfg.Bucket,
		Storage:  jetstream.FileStorage,
		MaxBytes: maxBytes,
	})
	if err != nil {
		return nil, err
	}

	return &KvStore[T]{kv: kv}, nil
}

func (k *KvStore[T]) Set(ctx context.Context, key string, v T) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	if _, err = k.kv.Put(ctx, key, data); err != nil {
		return err
	}
	return nil
}

func (k *KvStore[T]) Get(ctx context.Context, key string) (out T, err error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	v, err := k.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return out, ErrKeyNotFound
		}
		return out, fmt.Errorf("failed to get value for %s: %w", key, err)
	}
	if err = json.Unmarshal(v.Value(), &out); err != nil {
		return out, err
	}
	return out, nil
}

func (k *KvStore[T]) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := k.kv.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return err
	}
	return nil
}
