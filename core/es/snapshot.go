package es

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/crypto/blake2b"
)

var (
	ErrSnapshotStoreUnconfigured = errors.New("no snapshot store configured")
	ErrSnapshotNotFound          = errors.New("snapshot not found")
	ErrSnapshotChecksum          = errors.New("snapshot checksum mismatch")
)

const (
	EncodingJSON    = "json"
	CompressionNone = "none"
	CompressionZstd = "zstd"
)

type (
	// Snapshot is a serialized aggregate state at a specific version.
	// It only bounds replay cost and is never authoritative - the event
	// log is. Losing a snapshot just means full replay from version 0.
	Snapshot struct {
		SnapshotID string `json:"snapshot_id"`

		AggID      string  `json:"agg_id"`
		AggType    string  `json:"agg_type"`
		AggVersion Version `json:"agg_version"`

		// StreamSeq is the global sequence number from the store.
		StreamSeq uint64 `json:"stream_seq"`

		CreatedAt   time.Time `json:"created_at"`
		Encoding    string    `json:"encoding"`
		Compression string    `json:"compression"`
		// Checksum is the blake2b-256 hex digest of the (compressed) data.
		Checksum string `json:"checksum"`
		Size     int    `json:"size"`
		Data     []byte `json:"data"`
	}

	// Snapshottable lets an aggregate control its own snapshot payload.
	// Aggregates that do not implement it are snapshotted as JSON.
	Snapshottable interface {
		Snapshot() (data []byte, err error)
		RestoreSnapshot(data []byte) error
	}

	// SnapshotStore is the durable snapshot collaborator.
	SnapshotStore interface {
		SaveSnapshot(ctx context.Context, snapshot *Snapshot) error
		GetLatestSnapshot(ctx context.Context, aggType, aggID string) (*Snapshot, error)
		GetSnapshots(ctx context.Context, aggType, aggID string) ([]*Snapshot, error)
		DeleteOldSnapshots(ctx context.Context, aggType, aggID string, keepCount int) error
	}
)

func (s *Snapshot) logAttrs() slog.Attr {
	return slog.Group(
		"snapshot",
		slog.String("id", s.SnapshotID),
		slog.String("agg_type", s.AggType),
		slog.String("agg_id", s.AggID),
		s.AggVersion.SlogAttrWithKey("agg_version"),
		slog.Uint64("seq", s.StreamSeq),
		slog.Time("created_at", s.CreatedAt),
		slog.String("compression", s.Compression),
		slog.Int("size", s.Size),
	)
}

func checksumOf(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func compressSnapshotData(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err = w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err = w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressSnapshotData(data []byte) ([]byte, error) {
	r, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var buf bytes.Buffer
	if _, err = buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type snapshotCreateOptions struct {
	compress bool
}

type SnapshotCreateOption func(*snapshotCreateOptions)

// WithSnapshotCompression compresses the snapshot payload with zstd.
func WithSnapshotCompression() SnapshotCreateOption {
	return func(o *snapshotCreateOptions) { o.compress = true }
}

// CreateSnapshot captures the aggregate's state. Aggregates implementing
// Snapshottable control their payload; everything else is JSON-marshalled.
func CreateSnapshot(agg Aggregate, opts ...SnapshotCreateOption) (ss *Snapshot, err error) {
	options := snapshotCreateOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	var data []byte
	if s, ok := any(agg).(Snapshottable); ok {
		data, err = s.Snapshot()
	} else {
		data, err = json.Marshal(agg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to capture snapshot state: %w", err)
	}

	compression := CompressionNone
	if options.compress {
		data, err = compressSnapshotData(data)
		if err != nil {
			return nil, fmt.Errorf("failed to compress snapshot: %w", err)
		}
		compression = CompressionZstd
	}

	ss = &Snapshot{
		SnapshotID:  gonanoid.Must(),
		StreamSeq:   agg.GetSeq(),
		AggID:       agg.GetID(),
		AggType:     agg.GetAggType(),
		AggVersion:  agg.GetVersion(),
		CreatedAt:   time.Now(),
		Encoding:    EncodingJSON,
		Compression: compression,
		Checksum:    checksumOf(data),
		Size:        len(data),
		Data:        data,
	}
	return
}

// ApplySnapshot restores an aggregate from its latest snapshot, verifying
// the checksum first. ErrSnapshotNotFound means full replay from version 0.
func ApplySnapshot(ctx context.Context, store SnapshotStore, agg Aggregate) (err error) {
	if store == nil {
		return ErrSnapshotStoreUnconfigured
	}
	snapshot, err := store.GetLatestSnapshot(ctx, agg.GetAggType(), agg.GetID())
	if err != nil {
		return err
	}

	if snapshot.Checksum != "" && snapshot.Checksum != checksumOf(snapshot.Data) {
		return fmt.Errorf("%w: %s", ErrSnapshotChecksum, snapshot.SnapshotID)
	}

	data := snapshot.Data
	if snapshot.Compression == CompressionZstd {
		data, err = decompressSnapshotData(data)
		if err != nil {
			return fmt.Errorf("failed to decompress snapshot: %w", err)
		}
	}

	if sss, ok := any(agg).(Snapshottable); ok {
		err = sss.RestoreSnapshot(data)
	} else {
		err = json.Unmarshal(data, agg)
	}
	if err != nil {
		return fmt.Errorf("failed to restore snapshot: %w", err)
	}
	agg.SetID(snapshot.AggID)
	agg.setVersion(snapshot.AggVersion)
	agg.setSeq(snapshot.StreamSeq)
	return nil
}

// === In-Memory SnapshotStore ===

type InMemorySnapshotStore struct {
	mu        sync.Mutex
	log       *slog.Logger
	snapshots map[string][]*Snapshot
}

func NewInMemorySnapshotStore(log *slog.Logger) *InMemorySnapshotStore {
	if log == nil {
		log = slog.Default()
	}
	return &InMemorySnapshotStore{
		log:       log.With(slog.String("snapshot_store", "memory")),
		snapshots: map[string][]*Snapshot{},
	}
}

func (i *InMemorySnapshotStore) key(aggType, aggID string) string {
	return fmt.Sprintf("%s-%s", aggType, aggID)
}

func (i *InMemorySnapshotStore) SaveSnapshot(_ context.Context, snapshot *Snapshot) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	sk := i.key(snapshot.AggType, snapshot.AggID)
	i.snapshots[sk] = append(i.snapshots[sk], snapshot)
	return nil
}

func (i *InMemorySnapshotStore) GetLatestSnapshot(_ context.Context, aggType, aggID string) (*Snapshot, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	ss := i.snapshots[i.key(aggType, aggID)]
	if len(ss) == 0 {
		return nil, ErrSnapshotNotFound
	}
	latest := ss[0]
	for _, s := range ss[1:] {
		if s.AggVersion > latest.AggVersion {
			latest = s
		}
	}
	return latest, nil
}

func (i *InMemorySnapshotStore) GetSnapshots(_ context.Context, aggType, aggID string) ([]*Snapshot, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	ss := i.snapshots[i.key(aggType, aggID)]
	out := make([]*Snapshot, len(ss))
	copy(out, ss)
	sort.Slice(out, func(a, b int) bool { return out[a].AggVersion < out[b].AggVersion })
	return out, nil
}

func (i *InMemorySnapshotStore) DeleteOldSnapshots(_ context.Context, aggType, aggID string, keepCount int) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	sk := i.key(aggType, aggID)
	ss := i.snapshots[sk]
	if keepCount <= 0 || len(ss) <= keepCount {
		return nil
	}
	sort.Slice(ss, func(a, b int) bool { return ss[a].AggVersion < ss[b].AggVersion })
	i.snapshots[sk] = append([]*Snapshot{}, ss[len(ss)-keepCount:]...)
	return nil
}

var _ SnapshotStore = &InMemorySnapshotStore{}
