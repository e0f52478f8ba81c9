package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/claimsstack/eventwave/core/es"
)

const defaultSubjectPrefix = "eventwave.es"

// StorageConfig configures the JetStream backed event storage.
type StorageConfig struct {
	Connect       Connector    // Connect creates the underlying NATS connection. If nil, ConnectDefault() is used.
	Log           *slog.Logger // Log for diagnostics (optional)
	SubjectPrefix string       // SubjectPrefix is the prefix events are published under
	StreamName    string
}

// Storage is an es.Storage backed by a JetStream file stream. Each
// aggregate stream maps to one subject; the JetStream stream sequence
// serves as the global Seq.
type Storage struct {
	nc            *natsgo.Conn
	closeNc       closeFunc
	js            jetstream.JetStream
	stream        jetstream.Stream
	log           *slog.Logger
	subjectPrefix string
	streamName    string
}

func NewStorage(cfg StorageConfig) (*Storage, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	nc, closeNatsCon, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, err
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	streamName := strings.ToUpper(cfg.StreamName)
	if streamName == "" {
		streamName = "EVENTWAVE_ES"
	}

	subjectPrefix := cfg.SubjectPrefix
	if subjectPrefix == "" {
		subjectPrefix = defaultSubjectPrefix
	}

	log = log.With(
		slog.String("storage", "nats_js"),
		slog.String("stream", streamName),
		slog.String("subject_prefix", subjectPrefix),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*natsgo.DefaultTimeout)
	defer cancel()

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{subjectPrefix + ".>"},
		Storage:  jetstream.FileStorage,
		FirstSeq: 1,
	})
	if err != nil {
		return nil, err
	}

	log.Debug("ensured stream")

	return &Storage{
		nc:            nc,
		closeNc:       closeNatsCon,
		js:            js,
		stream:        stream,
		log:           log,
		subjectPrefix: subjectPrefix,
		streamName:    streamName,
	}, nil
}

func (s *Storage) Close() error {
	s.js.CleanupPublisher()
	s.closeNc()
	s.log.Debug("closed storage")
	return nil
}

func (s *Storage) subjectFor(streamKey string) string {
	return s.subjectPrefix + "." + streamKey
}

func (s *Storage) SaveEvents(ctx context.Context, streamKey string, events []es.Envelope) ([]es.Envelope, error) {
	if len(events) == 0 {
		return nil, es.ErrStoreNoEvents
	}

	subject := s.subjectFor(streamKey)
	stamped := make([]es.Envelope, 0, len(events))
	for _, ev := range events {
		msg := natsgo.NewMsg(subject)
		msg.Header.Set("x-event-type", ev.Type)
		msg.Header.Set("x-aggregate-type", ev.AggregateType)
		msg.Header.Set("x-aggregate-id", ev.AggregateID)

		data, err := json.Marshal(ev)
		if err != nil {
			return nil, err
		}
		msg.Data = data

		ackF, err := s.js.PublishMsgAsync(msg, jetstream.WithMsgID(ev.ID))
		if err != nil {
			return nil, fmt.Errorf("failed to append to subject %s: %w", subject, err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case perr := <-ackF.Err():
			return nil, perr
		case ack := <-ackF.Ok():
			ev.Seq = ack.Sequence
			stamped = append(stamped, ev)
		}
	}

	s.log.Debug(
		"append",
		slog.String("stream", streamKey),
		slog.Uint64("last_seq", stamped[len(stamped)-1].Seq),
		slog.Int("num_events", len(stamped)),
	)
	return stamped, nil
}

func (s *Storage) GetEvents(ctx context.Context, streamKey string, fromVersion, toVersion es.Version) ([]es.Envelope, error) {
	subject := s.subjectFor(streamKey)

	last, err := s.lastEnvelope(ctx, subject)
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, es.ErrStreamNotFound
	}

	all, err := s.readSubject(ctx, []string{subject}, 0, last.Seq)
	if err != nil {
		return nil, err
	}

	out := make([]es.Envelope, 0, len(all))
	for _, e := range all {
		if fromVersion > 0 && e.Version < fromVersion {
			continue
		}
		if toVersion > 0 && e.Version > toVersion {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Storage) GetCurrentVersion(ctx context.Context, streamKey string) (es.Version, error) {
	last, err := s.lastEnvelope(ctx, s.subjectFor(streamKey))
	if err != nil {
		return 0, err
	}
	if last == nil {
		return 0, nil
	}
	return last.Version, nil
}

func (s *Storage) GetAllEvents(ctx context.Context, filter es.AllEventsFilter, fromPosition uint64, batchSize int) ([]es.Envelope, error) {
	info, err := s.stream.Info(ctx)
	if err != nil {
		return nil, err
	}
	lastSeq := info.State.LastSeq
	if lastSeq <= fromPosition {
		return nil, nil
	}

	all, err := s.readSubject(ctx, []string{s.subjectPrefix + ".>"}, fromPosition+1, lastSeq)
	if err != nil {
		return nil, err
	}

	out := make([]es.Envelope, 0, len(all))
	for _, e := range all {
		if !filter.Matches(e) {
			continue
		}
		out = append(out, e)
		if batchSize > 0 && len(out) >= batchSize {
			break
		}
	}
	return out, nil
}

func (s *Storage) TruncateStream(ctx context.Context, streamKey string, toVersion es.Version) error {
	subject := s.subjectFor(streamKey)

	last, err := s.lastEnvelope(ctx, subject)
	if err != nil {
		return err
	}
	if last == nil {
		return es.ErrStreamNotFound
	}

	events, err := s.readSubject(ctx, []string{subject}, 0, last.Seq)
	if err != nil {
		return err
	}

	// purge everything at or below the cut version
	var purgeBelow uint64
	for _, e := range events {
		if e.Version <= toVersion && e.Seq >= purgeBelow {
			purgeBelow = e.Seq + 1
		}
	}
	if purgeBelow == 0 {
		return nil
	}
	return s.stream.Purge(ctx,
		jetstream.WithPurgeSubject(subject),
		jetstream.WithPurgeSequence(purgeBelow),
	)
}

func (s *Storage) DeleteStream(ctx context.Context, streamKey string) error {
	subject := s.subjectFor(streamKey)

	last, err := s.lastEnvelope(ctx, subject)
	if err != nil {
		return err
	}
	if last == nil {
		return es.ErrStreamNotFound
	}
	return s.stream.Purge(ctx, jetstream.WithPurgeSubject(subject))
}

// lastEnvelope returns the most recent envelope on a subject, nil when
// the subject has no messages.
func (s *Storage) lastEnvelope(ctx context.Context, subject string) (*es.Envelope, error) {
	lm, err := s.stream.GetLastMsgForSubject(ctx, subject)
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return nil, nil
		}
		return nil, err
	}

	env := &es.Envelope{}
	if err := json.Unmarshal(lm.Data, env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal last message for subject %q: %w", subject, err)
	}
	env.Seq = lm.Sequence
	return env, nil
}

// readSubject drains the filtered subjects up to endSeq using an
// ordered consumer.
func (s *Storage) readSubject(ctx context.Context, filterSubjects []string, startSeq, endSeq uint64) ([]es.Envelope, error) {
	cfg := jetstream.OrderedConsumerConfig{
		DeliverPolicy:     jetstream.DeliverAllPolicy,
		FilterSubjects:    filterSubjects,
		InactiveThreshold: time.Minute,
	}
	if startSeq > 0 {
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = startSeq
	}

	cc, err := s.stream.OrderedConsumer(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var out []es.Envelope

outer:
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		mb, err := cc.FetchNoWait(100)
		if err != nil {
			return nil, err
		}
		if mb.Error() != nil {
			return nil, mb.Error()
		}

		empty := true
		for msg := range mb.Messages() {
			empty = false
			env, err := decodeMsg(msg)
			if err != nil {
				return nil, fmt.Errorf("failed to decode message: %w", err)
			}
			out = append(out, *env)

			if endSeq > 0 && env.Seq >= endSeq {
				break outer
			}
		}

		if empty {
			break
		}
	}

	return out, nil
}

func decodeMsg(msg jetstream.Msg) (*es.Envelope, error) {
	md, err := msg.Metadata()
	if err != nil {
		return nil, err
	}

	env := &es.Envelope{}
	if err := json.Unmarshal(msg.Data(), env); err != nil {
		return nil, err
	}
	env.Seq = md.Sequence.Stream
	return env, nil
}

var _ es.Storage = (*Storage)(nil)
