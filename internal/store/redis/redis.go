// Package redis implements flow state and session storage on Redis, for
// deployments that run more than one relying party instance.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"

	"github.com/tendant/simple-rp/internal/domain"
	rperrors "github.com/tendant/simple-rp/internal/errors"
	"github.com/tendant/simple-rp/internal/store"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

const (
	stateKeySpace   = "state:"
	sessionKeySpace = "session:"
)

// decMode decodes maps nested in interface values, such as the address claim
// of a profile, as map[string]any so they can be rendered as JSON again.
var decMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

// Config holds Redis connection settings.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Store implements store.Store on Redis. Records are CBOR-encoded and expire
// through Redis TTLs, so no janitor is needed.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
	ownClient bool
	logger    *slog.Logger
	now       func() time.Time

	states   *stateStore
	sessions *sessionRepository
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithClock sets the clock used to check flow state expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore connects to Redis and verifies the connection with a PING.
func NewStore(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  DefaultDialTimeout,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s := NewStoreWithClient(client, cfg.KeyPrefix, opts...)
	s.ownClient = true
	return s, nil
}

// NewStoreWithClient wraps a pre-configured client. The caller keeps
// ownership of the client.
func NewStoreWithClient(client redis.UniversalClient, keyPrefix string, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.states = &stateStore{store: s}
	s.sessions = &sessionRepository{store: s}
	return s
}

func (s *Store) States() store.StateStore          { return s.states }
func (s *Store) Sessions() store.SessionRepository { return s.sessions }

// Ping checks that Redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client if the store created it.
func (s *Store) Close() error {
	if s.ownClient {
		return s.client.Close()
	}
	return nil
}

func (s *Store) key(space, id string) string {
	return s.keyPrefix + space + id
}

// ttlUntil converts an absolute expiry into a Redis TTL.
func ttlUntil(expiresAt time.Time) (time.Duration, error) {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return 0, rperrors.InvalidInput("record is already expired")
	}
	return ttl, nil
}

// State Store

type stateStore struct {
	store *Store
}

func (r *stateStore) Put(ctx context.Context, fs *domain.FlowState) error {
	if fs == nil || fs.State == "" {
		return rperrors.InvalidInput("flow state requires a state value")
	}
	ttl, err := ttlUntil(fs.ExpiresAt)
	if err != nil {
		return err
	}
	data, err := cbor.Marshal(fs)
	if err != nil {
		return rperrors.Internal("failed to encode flow state", err)
	}

	key := r.store.key(stateKeySpace, fs.State)
	created, err := r.store.client.SetNX(ctx, key, data, ttl).Result()
	if err != nil {
		return rperrors.Internal("failed to store flow state", err)
	}
	if created {
		return nil
	}

	r.store.logger.Warn("overwriting existing flow state", "flow_id", fs.ID)
	if err := r.store.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return rperrors.Internal("failed to store flow state", err)
	}
	return nil
}

// Take uses GETDEL so that concurrent callers race inside Redis and only one
// of them receives the value.
func (r *stateStore) Take(ctx context.Context, state string) (*domain.FlowState, error) {
	data, err := r.store.client.GetDel(ctx, r.store.key(stateKeySpace, state)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, rperrors.StateNotFound()
	}
	if err != nil {
		return nil, rperrors.Internal("failed to take flow state", err)
	}

	var fs domain.FlowState
	if err := decMode.Unmarshal(data, &fs); err != nil {
		return nil, rperrors.Internal("failed to decode flow state", err)
	}
	if fs.IsExpiredAt(r.store.now()) {
		return nil, rperrors.StateNotFound()
	}
	return &fs, nil
}

func (r *stateStore) Close() error { return nil }

// Session Repository

type sessionRepository struct {
	store *Store
}

func (r *sessionRepository) Create(ctx context.Context, session *domain.Session) error {
	if session == nil || session.ID == "" {
		return rperrors.InvalidInput("session requires an id")
	}
	cp := *session
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	ttl, err := ttlUntil(cp.ExpiresAt)
	if err != nil {
		return err
	}
	data, err := cbor.Marshal(&cp)
	if err != nil {
		return rperrors.Internal("failed to encode session", err)
	}
	if err := r.store.client.Set(ctx, r.store.key(sessionKeySpace, cp.ID), data, ttl).Err(); err != nil {
		return rperrors.Internal("failed to store session", err)
	}
	return nil
}

func (r *sessionRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	data, err := r.store.client.Get(ctx, r.store.key(sessionKeySpace, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, rperrors.NotFound("session", id)
	}
	if err != nil {
		return nil, rperrors.Internal("failed to load session", err)
	}

	var s domain.Session
	if err := decMode.Unmarshal(data, &s); err != nil {
		return nil, rperrors.Internal("failed to decode session", err)
	}
	return &s, nil
}

func (r *sessionRepository) Delete(ctx context.Context, id string) error {
	n, err := r.store.client.Del(ctx, r.store.key(sessionKeySpace, id)).Result()
	if err != nil {
		return rperrors.Internal("failed to delete session", err)
	}
	if n == 0 {
		return rperrors.NotFound("session", id)
	}
	return nil
}

// DeleteExpired is a no-op; Redis expires session keys on its own.
func (r *sessionRepository) DeleteExpired(ctx context.Context) error {
	return nil
}
