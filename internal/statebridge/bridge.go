// Package statebridge is the shared configuration store between the config
// extraction workflow and the search workflow. It keeps one record per
// domain in Redis, serializes writers per domain and notifies subscribers
// before a write is released.
package statebridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/trimodal-rag/backend/internal/apperrors"
	"github.com/trimodal-rag/backend/internal/enforcement"
	"github.com/trimodal-rag/backend/internal/metrics"
	"github.com/trimodal-rag/backend/internal/models"
)

// releaseScript deletes the lock only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// CommitHook runs after a config is written and before the domain lock is
// released.
type CommitHook func(ctx context.Context, domain string, cfg *models.DomainConfig)

type Options struct {
	KeyPrefix    string
	HistoryLimit int64
	LockTTL      time.Duration
	LockRetry    time.Duration
}

type Bridge struct {
	rdb      redis.UniversalClient
	enforcer *enforcement.Enforcer
	opts     Options
	log      *zap.Logger
	locks    *keyedMutex
	now      func() time.Time

	hooksMu sync.RWMutex
	hooks   []CommitHook
}

func New(rdb redis.UniversalClient, enforcer *enforcement.Enforcer, opts Options, log *zap.Logger) *Bridge {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "statebridge"
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 10
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 10 * time.Second
	}
	if opts.LockRetry <= 0 {
		opts.LockRetry = 20 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{
		rdb:      rdb,
		enforcer: enforcer,
		opts:     opts,
		log:      log,
		locks:    newKeyedMutex(),
		now:      time.Now,
	}
}

func (b *Bridge) configKey(domain string) string  { return b.opts.KeyPrefix + ":config:" + domain }
func (b *Bridge) historyKey(domain string) string { return b.opts.KeyPrefix + ":history:" + domain }
func (b *Bridge) lockKey(domain string) string    { return b.opts.KeyPrefix + ":lock:" + domain }
func (b *Bridge) domainsKey() string              { return b.opts.KeyPrefix + ":domains" }

// OnCommit registers a hook run inside every successful StoreConfig.
func (b *Bridge) OnCommit(h CommitHook) {
	b.hooksMu.Lock()
	b.hooks = append(b.hooks, h)
	b.hooksMu.Unlock()
}

// StoreConfig validates cfg and overwrites the record for domain. Writers
// for the same domain are serialized; the last to commit wins.
func (b *Bridge) StoreConfig(ctx context.Context, domain string, cfg *models.DomainConfig) error {
	if domain == "" {
		return apperrors.InvalidInput("domain is required")
	}
	if cfg == nil {
		return apperrors.InvalidInput("config is required")
	}
	if cfg.Domain != domain {
		return apperrors.InvalidInput("config belongs to domain %q, not %q", cfg.Domain, domain)
	}

	report, err := b.enforcer.ValidateDomainConfig(cfg)
	if err != nil {
		return err
	}

	record := models.ConfigRecord{
		Config:      cfg,
		Source:      cfg.ConfigSource,
		GeneratedAt: b.now().UTC(),
		Validated:   report.Clean(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal config record: %w", err)
	}

	unlock := b.locks.Lock(domain)
	defer unlock()

	release, err := b.acquire(ctx, domain)
	if err != nil {
		return err
	}
	defer release()

	prev, err := b.rdb.Exists(ctx, b.configKey(domain)).Result()
	if err != nil {
		return fmt.Errorf("failed to check existing config: %w", err)
	}

	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, b.configKey(domain), data, 0)
		pipe.LPush(ctx, b.historyKey(domain), data)
		pipe.LTrim(ctx, b.historyKey(domain), 0, b.opts.HistoryLimit-1)
		pipe.SAdd(ctx, b.domainsKey(), domain)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store config: %w", err)
	}

	b.hooksMu.RLock()
	hooks := append([]CommitHook(nil), b.hooks...)
	b.hooksMu.RUnlock()
	for _, h := range hooks {
		h(ctx, domain, cfg)
	}
	metrics.ConfigsStored.WithLabelValues(cfg.ConfigSource).Inc()

	if prev > 0 {
		b.log.Info("Domain config overwritten",
			zap.String("domain", domain),
			zap.String("config_source", cfg.ConfigSource),
			zap.Time("created_at", cfg.CreatedAt),
		)
	} else {
		b.log.Info("Domain config stored",
			zap.String("domain", domain),
			zap.String("config_source", cfg.ConfigSource),
		)
	}
	return nil
}

// acquire takes the cross-process lock for domain, waiting until it is free
// or ctx ends.
func (b *Bridge) acquire(ctx context.Context, domain string) (func(), error) {
	key := b.lockKey(domain)
	token := uuid.New().String()

	for {
		ok, err := b.rdb.SetNX(ctx, key, token, b.opts.LockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire config lock: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for config lock on %q: %w", domain, ctx.Err())
		case <-time.After(b.opts.LockRetry):
		}
	}

	return func() {
		// Release even when the caller's context is already done.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.opts.LockTTL)
		defer cancel()
		if err := releaseScript.Run(rctx, b.rdb, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			b.log.Warn("Failed to release config lock", zap.String("domain", domain), zap.Error(err))
		}
	}, nil
}

// GetConfig returns the stored config, or nil when none was ever stored.
func (b *Bridge) GetConfig(ctx context.Context, domain string) (*models.DomainConfig, error) {
	rec, err := b.GetRecord(ctx, domain)
	if err != nil || rec == nil {
		return nil, err
	}
	return rec.Config, nil
}

// GetRecord returns the stored record with its provenance metadata.
func (b *Bridge) GetRecord(ctx context.Context, domain string) (*models.ConfigRecord, error) {
	data, err := b.rdb.Get(ctx, b.configKey(domain)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get config: %w", err)
	}

	var rec models.ConfigRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config record: %w", err)
	}
	return &rec, nil
}

// History returns up to limit past records for domain, newest first.
func (b *Bridge) History(ctx context.Context, domain string, limit int64) ([]models.ConfigRecord, error) {
	if limit <= 0 {
		limit = b.opts.HistoryLimit
	}
	items, err := b.rdb.LRange(ctx, b.historyKey(domain), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read config history: %w", err)
	}

	out := make([]models.ConfigRecord, 0, len(items))
	for _, item := range items {
		var rec models.ConfigRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Domains lists every domain with a stored config.
func (b *Bridge) Domains(ctx context.Context) ([]string, error) {
	domains, err := b.rdb.SMembers(ctx, b.domainsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list domains: %w", err)
	}
	sort.Strings(domains)
	return domains, nil
}

func (b *Bridge) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}
