package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/vidfriends/accessgate/internal/access"
	"github.com/vidfriends/accessgate/internal/config"
	"github.com/vidfriends/accessgate/internal/db"
	"github.com/vidfriends/accessgate/internal/giftcodes"
	"github.com/vidfriends/accessgate/internal/grants"
	"github.com/vidfriends/accessgate/internal/handlers"
	"github.com/vidfriends/accessgate/internal/metrics"
	"github.com/vidfriends/accessgate/internal/middleware"
	"github.com/vidfriends/accessgate/internal/playback"
	"github.com/vidfriends/accessgate/internal/ratelimit"
	"github.com/vidfriends/accessgate/internal/repositories"
	"github.com/vidfriends/accessgate/internal/secretbox"
)

// components holds the wired core shared by every command.
type components struct {
	service *access.Service
	ledger  *giftcodes.Ledger
	box     *secretbox.Box
	metrics *metrics.Metrics
	ping    func(ctx context.Context) error
	cleanup func() error
}

type stores struct {
	codes   giftcodes.Store
	tokens  playback.Repository
	windows ratelimit.Store
}

// buildComponents wires the core against the configured storage backend. pool
// may be nil when cfg selects the memory backend.
func buildComponents(ctx context.Context, pool db.Pool, cfg config.Config) (*components, error) {
	key, err := secretbox.KeyFromString(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("encryption key: %w", err)
	}
	box, err := secretbox.New(key)
	if err != nil {
		return nil, err
	}

	st, err := buildStores(pool, cfg)
	if err != nil {
		return nil, err
	}

	cleanup := func() error { return nil }
	if cfg.RedisURL != "" {
		client, err := ratelimit.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		st.windows = ratelimit.NewRedisStore(client)
		cleanup = client.Close
	}

	ledger := giftcodes.NewLedger(st.codes, giftcodes.LedgerConfig{
		CaseSensitive: cfg.GiftCodes.CaseSensitive,
		CodeLength:    cfg.GiftCodes.Length,
		CodePrefix:    cfg.GiftCodes.Prefix,
		CodeSuffix:    cfg.GiftCodes.Suffix,
	})
	tokenStore := playback.NewStore(st.tokens, box, playback.Config{
		MinTTL:     cfg.Playback.MinTTL,
		TokenBytes: cfg.Playback.TokenBytes,
	})
	limiter := ratelimit.NewLimiter(st.windows, rateLimitOptions(cfg.RateLimit)...)

	signer, err := grants.NewSigner(box)
	if err != nil {
		_ = cleanup()
		return nil, err
	}

	m := metrics.New()
	service := access.NewService(access.Config{
		DefaultTTL: cfg.Playback.DefaultTTL,
		BindIP:     cfg.Playback.BindIP,
		GrantTTL:   cfg.Playback.GrantTTL,
	}, ledger, tokenStore, limiter, box, access.WithSigner(signer), access.WithMetrics(m))

	c := &components{service: service, ledger: ledger, box: box, metrics: m, cleanup: cleanup}
	if pool != nil {
		c.ping = pool.Ping
	}
	return c, nil
}

func buildStores(pool db.Pool, cfg config.Config) (stores, error) {
	switch cfg.StorageBackend {
	case "memory":
		return stores{
			codes:   giftcodes.NewMemoryStore(),
			tokens:  playback.NewMemoryRepository(),
			windows: ratelimit.NewMemoryStore(),
		}, nil
	case "postgres", "":
		if pool == nil {
			return stores{}, errors.New("postgres storage requires a connection pool")
		}
		return stores{
			codes:   repositories.NewPostgresGiftCodeStore(pool),
			tokens:  repositories.NewPostgresPlaybackRepository(pool),
			windows: repositories.NewPostgresRateWindowStore(pool),
		}, nil
	default:
		return stores{}, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

func rateLimitOptions(cfg config.RateLimitConfig) []ratelimit.Option {
	if !cfg.Enabled {
		return []ratelimit.Option{ratelimit.Disabled()}
	}
	code := ratelimit.Policy{Limit: cfg.Code.Limit, Window: cfg.Code.Window}
	token := ratelimit.Policy{Limit: cfg.Token.Limit, Window: cfg.Token.Window}
	return []ratelimit.Option{
		ratelimit.WithPolicy(ratelimit.ActionValidateCode, code),
		ratelimit.WithPolicy(ratelimit.ActionRedeemCode, code),
		ratelimit.WithPolicy(ratelimit.ActionRequestPlayback, token),
		ratelimit.WithPolicy(ratelimit.ActionValidatePlayback, token),
	}
}

// buildDependencies wires together concrete implementations used by the HTTP handlers.
func buildDependencies(c *components, cfg config.Config) handlers.Dependencies {
	return handlers.Dependencies{
		Access:            c.service,
		Limiter:           middleware.NewIPRateLimiter(cfg.HTTPLimit.Requests, cfg.HTTPLimit.Window, cfg.HTTPLimit.Burst, cfg.HTTPLimit.TTL),
		Observer:          c.metrics,
		Metrics:           c.metrics.Handler(),
		Health:            c.ping,
		TrustProxyHeaders: cfg.TrustProxyHeaders,
	}
}
