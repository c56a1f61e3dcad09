package quota

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	valkey "github.com/valkey-io/valkey-go"

	"github.com/hopeoverture/worldweaver-gate/internal/clock"
	"github.com/hopeoverture/worldweaver-gate/internal/metrics"
)

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      RedisTLSConfig
}

// redisStore keeps one plain integer counter per key so INCR stays atomic.
// The window end is carried by the key's TTL rather than the value.
type redisStore struct {
	client valkey.Client
	clock  clock.Clock
	rec    *metrics.Recorder
}

// NewRedis connects to the distributed backend and verifies it with a ping.
func NewRedis(cfg RedisConfig, clk clock.Clock, rec *metrics.Recorder) (Store, error) {
	if cfg.Address == "" {
		return nil, errors.New("quota: redis address required")
	}
	if clk == nil {
		clk = clock.System{}
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("quota: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("quota: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("quota: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("quota: redis ping: %w", err)
	}

	return &redisStore{client: client, clock: clk, rec: rec}, nil
}

func (s *redisStore) Increment(ctx context.Context, key string, window time.Duration) (Record, error) {
	if window <= 0 {
		window = time.Second
	}
	now := s.clock.Now()

	count, err := s.client.Do(ctx, s.client.B().Incr().Key(key).Build()).AsInt64()
	if err != nil {
		s.observe(metrics.QuotaOperationIncrement, err)
		return Record{}, fmt.Errorf("quota: redis incr: %w", err)
	}

	record := Record{Key: key, Count: count}
	if count == 1 {
		// Only the first hit of a window arms the expiry. Refreshing it on
		// every hit would let steady traffic keep a window alive forever.
		if err := s.pexpire(ctx, key, window); err != nil {
			s.observe(metrics.QuotaOperationIncrement, err)
			return Record{}, err
		}
		record.ResetAt = now.Add(window).UnixMilli()
		s.observe(metrics.QuotaOperationIncrement, nil)
		return record, nil
	}

	pttl, err := s.client.Do(ctx, s.client.B().Pttl().Key(key).Build()).AsInt64()
	if err != nil {
		s.observe(metrics.QuotaOperationIncrement, err)
		return Record{}, fmt.Errorf("quota: redis pttl: %w", err)
	}
	if pttl <= 0 {
		// The expiry was lost, for example a crash between INCR and PEXPIRE.
		// Re-arm it so the counter cannot live forever.
		if err := s.pexpire(ctx, key, window); err != nil {
			s.observe(metrics.QuotaOperationIncrement, err)
			return Record{}, err
		}
		pttl = window.Milliseconds()
	}
	record.ResetAt = now.UnixMilli() + pttl
	s.observe(metrics.QuotaOperationIncrement, nil)
	return record, nil
}

func (s *redisStore) Get(ctx context.Context, key string) (Record, bool, error) {
	resp := s.client.Do(ctx, s.client.B().Get().Key(key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			s.observe(metrics.QuotaOperationGet, nil)
			return Record{}, false, nil
		}
		s.observe(metrics.QuotaOperationGet, err)
		return Record{}, false, fmt.Errorf("quota: redis get: %w", err)
	}
	count, err := resp.AsInt64()
	if err != nil {
		s.observe(metrics.QuotaOperationGet, err)
		return Record{}, false, fmt.Errorf("quota: redis parse count: %w", err)
	}
	pttl, err := s.client.Do(ctx, s.client.B().Pttl().Key(key).Build()).AsInt64()
	if err != nil {
		s.observe(metrics.QuotaOperationGet, err)
		return Record{}, false, fmt.Errorf("quota: redis pttl: %w", err)
	}
	if pttl <= 0 {
		s.observe(metrics.QuotaOperationGet, nil)
		return Record{}, false, nil
	}
	s.observe(metrics.QuotaOperationGet, nil)
	return Record{Key: key, Count: count, ResetAt: s.clock.Now().UnixMilli() + pttl}, true, nil
}

func (s *redisStore) Set(ctx context.Context, key string, record Record, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.UnixMilli(record.ResetAt).Sub(s.clock.Now())
	}
	if ttl <= 0 {
		s.observe(metrics.QuotaOperationSet, nil)
		return nil
	}
	cmd := s.client.B().Set().Key(key).Value(strconv.FormatInt(record.Count, 10)).Px(ttl).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		s.observe(metrics.QuotaOperationSet, err)
		return fmt.Errorf("quota: redis set: %w", err)
	}
	s.observe(metrics.QuotaOperationSet, nil)
	return nil
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		s.observe(metrics.QuotaOperationDelete, err)
		return fmt.Errorf("quota: redis del: %w", err)
	}
	s.observe(metrics.QuotaOperationDelete, nil)
	return nil
}

func (s *redisStore) Close(context.Context) error {
	s.client.Close()
	return nil
}

func (s *redisStore) pexpire(ctx context.Context, key string, window time.Duration) error {
	cmd := s.client.B().Pexpire().Key(key).Milliseconds(window.Milliseconds()).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("quota: redis pexpire: %w", err)
	}
	return nil
}

func (s *redisStore) observe(op metrics.QuotaOperation, err error) {
	result := metrics.QuotaResultOK
	if err != nil {
		result = metrics.QuotaResultError
	}
	s.rec.ObserveQuotaOperation(BackendRedis, op, result)
}
