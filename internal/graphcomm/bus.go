package graphcomm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/trimodal-rag/backend/internal/apperrors"
	"github.com/trimodal-rag/backend/internal/metrics"
)

type Options struct {
	StreamPrefix     string
	Identity         string
	PeerIdentity     string
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	BlockTimeout     time.Duration
	BatchSize        int64
	// MaxAttempts is how often a failing message is handled before it is
	// moved to the dead-letter stream.
	MaxAttempts int
	// ReclaimIdle is how long a delivered but unacknowledged message waits
	// before another consumer of the group takes it over.
	ReclaimIdle time.Duration
	MaxLen      int64
}

func (o *Options) defaults() {
	if o.StreamPrefix == "" {
		o.StreamPrefix = "graphcomm"
	}
	if o.BlockTimeout <= 0 {
		o.BlockTimeout = 2 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 16
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.ReclaimIdle <= 0 {
		o.ReclaimIdle = 30 * time.Second
	}
	if o.MaxLen <= 0 {
		o.MaxLen = 10000
	}
}

// Handler processes one message. For request types the returned value is
// sent back as the reply payload. A returned error requeues the message.
type Handler func(ctx context.Context, msg Message) (any, error)

// HandshakeState tracks the handshake with one peer.
type HandshakeState string

const (
	HandshakeIdle        HandshakeState = "idle"
	HandshakePending     HandshakeState = "pending"
	HandshakeEstablished HandshakeState = "established"
	HandshakeFailed      HandshakeState = "failed"
)

type handshakePayload struct {
	Identity string    `json:"identity"`
	At       time.Time `json:"at"`
}

type Bus struct {
	rdb      redis.UniversalClient
	opts     Options
	consumer string
	enforcer ConfigValidator
	log      *zap.Logger

	mu       sync.RWMutex
	handlers map[MessageType]Handler
	waiters  map[string]chan Message
	peers    map[string]HandshakeState
}

// New creates a bus for opts.Identity. enforcer may be nil; when set, every
// config received from a peer passes through it before it is returned.
func New(rdb redis.UniversalClient, opts Options, enforcer ConfigValidator, log *zap.Logger) *Bus {
	opts.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	b := &Bus{
		rdb:      rdb,
		opts:     opts,
		consumer: opts.Identity + "-" + uuid.New().String()[:8],
		enforcer: enforcer,
		log:      log.With(zap.String("identity", opts.Identity)),
		handlers: make(map[MessageType]Handler),
		waiters:  make(map[string]chan Message),
		peers:    make(map[string]HandshakeState),
	}
	b.Handle(TypeHandshake, b.answerHandshake)
	return b
}

func (b *Bus) inbox(identity string) string { return b.opts.StreamPrefix + ":inbox:" + identity }
func (b *Bus) deadLetters() string         { return b.opts.StreamPrefix + ":dlq:" + b.opts.Identity }

// Handle registers h for messages of type t, replacing any previous one.
func (b *Bus) Handle(t MessageType, h Handler) {
	b.mu.Lock()
	b.handlers[t] = h
	b.mu.Unlock()
}

func (b *Bus) ensureGroup(ctx context.Context) error {
	// "0" so entries written before the group existed are still delivered.
	err := b.rdb.XGroupCreateMkStream(ctx, b.inbox(b.opts.Identity), b.opts.Identity, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Run consumes the inbox until ctx is done. Messages are handled one at a
// time in stream order.
func (b *Bus) Run(ctx context.Context) error {
	if err := b.ensureGroup(ctx); err != nil {
		return err
	}
	b.log.Info("Bus listening", zap.String("stream", b.inbox(b.opts.Identity)), zap.String("consumer", b.consumer))

	for ctx.Err() == nil {
		reclaimed, err := b.reclaim(ctx)
		if err != nil && ctx.Err() == nil {
			b.log.Warn("Failed to reclaim pending messages", zap.Error(err))
		}
		for _, m := range reclaimed {
			b.dispatch(ctx, m)
		}

		msgs, err := b.read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			b.log.Warn("Failed to read inbox", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(b.opts.BlockTimeout):
			}
			continue
		}
		for _, m := range msgs {
			b.dispatch(ctx, m)
		}
	}
	b.log.Info("Bus stopped")
	return nil
}

func (b *Bus) read(ctx context.Context) ([]Message, error) {
	streams, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.opts.Identity,
		Consumer: b.consumer,
		Streams:  []string{b.inbox(b.opts.Identity), ">"},
		Count:    b.opts.BatchSize,
		Block:    b.opts.BlockTimeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}

	var out []Message
	for _, s := range streams {
		out = append(out, b.parse(ctx, s.Messages)...)
	}
	return out, nil
}

// reclaim takes over messages another consumer read but never
// acknowledged, for example because it crashed.
func (b *Bus) reclaim(ctx context.Context) ([]Message, error) {
	raw, _, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   b.inbox(b.opts.Identity),
		Group:    b.opts.Identity,
		Consumer: b.consumer,
		MinIdle:  b.opts.ReclaimIdle,
		Start:    "0-0",
		Count:    b.opts.BatchSize,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return b.parse(ctx, raw), nil
}

// parse drops and acknowledges entries that are not bus messages.
func (b *Bus) parse(ctx context.Context, raw []redis.XMessage) []Message {
	out := make([]Message, 0, len(raw))
	for _, x := range raw {
		m, err := parseMessage(x)
		if err != nil {
			b.log.Error("Dropping malformed message", zap.String("stream_id", x.ID), zap.Error(err))
			b.ack(ctx, x.ID)
			continue
		}
		out = append(out, m)
	}
	return out
}

func (b *Bus) ack(ctx context.Context, streamID string) {
	if err := b.rdb.XAck(ctx, b.inbox(b.opts.Identity), b.opts.Identity, streamID).Err(); err != nil {
		b.log.Warn("Failed to acknowledge message", zap.String("stream_id", streamID), zap.Error(err))
	}
}

func (b *Bus) dispatch(ctx context.Context, m Message) {
	metrics.BusMessages.WithLabelValues("in", string(m.Type)).Inc()

	if m.CorrelationID != "" {
		b.mu.Lock()
		ch, ok := b.waiters[m.CorrelationID]
		delete(b.waiters, m.CorrelationID)
		b.mu.Unlock()
		if ok {
			ch <- m
			b.ack(ctx, m.streamID)
			return
		}
		if m.Type == TypeHandshakeAck || m.Type == TypeConfigResponse {
			b.log.Debug("Reply arrived after its request gave up",
				zap.String("type", string(m.Type)),
				zap.String("correlation_id", m.CorrelationID),
			)
			b.ack(ctx, m.streamID)
			return
		}
	}

	b.mu.RLock()
	h := b.handlers[m.Type]
	b.mu.RUnlock()
	if h == nil {
		b.log.Debug("No handler for message", zap.String("type", string(m.Type)), zap.String("from", m.From))
		b.ack(ctx, m.streamID)
		return
	}

	reply, err := invoke(ctx, h, m)
	if err != nil {
		b.requeue(ctx, m, err)
		return
	}

	if rt, ok := replyType(m.Type); ok {
		payload, err := json.Marshal(reply)
		if err != nil {
			b.requeue(ctx, m, fmt.Errorf("failed to marshal reply: %w", err))
			return
		}
		out := Message{
			ID:            uuid.New().String(),
			Type:          rt,
			To:            m.From,
			CorrelationID: m.ID,
			Domain:        m.Domain,
			Payload:       payload,
		}
		if err := b.send(ctx, out); err != nil {
			// Left pending; reclaim redelivers it.
			b.log.Warn("Failed to send reply", zap.String("to", m.From), zap.Error(err))
			return
		}
	}
	b.ack(ctx, m.streamID)
}

func invoke(ctx context.Context, h Handler, m Message) (reply any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, m)
}

// requeue appends the message again with its attempt raised, or moves it
// to the dead-letter stream once attempts are exhausted. The original entry
// is acknowledged either way.
func (b *Bus) requeue(ctx context.Context, m Message, cause error) {
	stream := b.inbox(b.opts.Identity)
	values := m.values()
	if m.Attempt >= b.opts.MaxAttempts {
		stream = b.deadLetters()
	} else {
		values["attempt"] = fmt.Sprint(m.Attempt + 1)
	}
	values["last_error"] = cause.Error()

	if err := b.rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Err(); err != nil {
		b.log.Error("Failed to requeue message; leaving it pending", zap.String("id", m.ID), zap.Error(err))
		return
	}
	b.ack(ctx, m.streamID)

	if stream == b.deadLetters() {
		b.log.Error("Message moved to dead letters",
			zap.String("id", m.ID),
			zap.String("type", string(m.Type)),
			zap.Int("attempts", m.Attempt),
			zap.Error(cause),
		)
		return
	}
	b.log.Warn("Message requeued",
		zap.String("id", m.ID),
		zap.String("type", string(m.Type)),
		zap.Int("next_attempt", m.Attempt+1),
		zap.Error(cause),
	)
}

func (b *Bus) send(ctx context.Context, m Message) error {
	m.From = b.opts.Identity
	if m.SentAt.IsZero() {
		m.SentAt = time.Now()
	}
	if m.Attempt == 0 {
		m.Attempt = 1
	}
	err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: b.inbox(m.To),
		MaxLen: b.opts.MaxLen,
		Approx: true,
		Values: m.values(),
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to send %s to %s: %w", m.Type, m.To, err)
	}
	metrics.BusMessages.WithLabelValues("out", string(m.Type)).Inc()
	return nil
}

// Send delivers a one-way message to the inbox of to.
func (b *Bus) Send(ctx context.Context, to string, t MessageType, domain string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}
	m := Message{ID: uuid.New().String(), Type: t, To: to, Domain: domain, Payload: data}
	return m.ID, b.send(ctx, m)
}

// Request sends a message and waits for the reply that names it. No reply
// within timeout gives a NegotiationTimeoutError. Replies are delivered by
// Run, which must be running.
func (b *Bus) Request(ctx context.Context, to string, t MessageType, domain string, payload any, timeout time.Duration) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}
	m := Message{ID: uuid.New().String(), Type: t, To: to, Domain: domain, Payload: data}

	ch := make(chan Message, 1)
	b.mu.Lock()
	b.waiters[m.ID] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.waiters, m.ID)
		b.mu.Unlock()
	}()

	if err := b.send(ctx, m); err != nil {
		return Message{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		return reply, nil
	case <-timer.C:
		return Message{}, &apperrors.NegotiationTimeoutError{Peer: to, CorrelationID: m.ID, Timeout: timeout}
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Handshake announces this identity to peer and waits for the
// acknowledgement for at most the handshake timeout.
func (b *Bus) Handshake(ctx context.Context, peer string) error {
	b.setPeer(peer, HandshakePending)
	_, err := b.Request(ctx, peer, TypeHandshake, "", handshakePayload{Identity: b.opts.Identity, At: time.Now().UTC()}, b.opts.HandshakeTimeout)
	if err != nil {
		b.setPeer(peer, HandshakeFailed)
		var timeout *apperrors.NegotiationTimeoutError
		if errors.As(err, &timeout) {
			return &apperrors.HandshakeTimeoutError{Peer: peer, Timeout: b.opts.HandshakeTimeout}
		}
		return err
	}
	b.setPeer(peer, HandshakeEstablished)
	b.log.Info("Handshake established", zap.String("peer", peer))
	return nil
}

func (b *Bus) answerHandshake(_ context.Context, m Message) (any, error) {
	b.setPeer(m.From, HandshakeEstablished)
	return handshakePayload{Identity: b.opts.Identity, At: time.Now().UTC()}, nil
}

func (b *Bus) setPeer(peer string, s HandshakeState) {
	b.mu.Lock()
	b.peers[peer] = s
	b.mu.Unlock()
}

func (b *Bus) PeerState(peer string) HandshakeState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if s, ok := b.peers[peer]; ok {
		return s
	}
	return HandshakeIdle
}

// Ping reports whether the bus can reach Redis.
func (b *Bus) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}
