package notify

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"mediaforge/internal/models"
)

// RedisTLSConfig controls TLS for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisRelayConfig configures the Redis Streams relay.
type RedisRelayConfig struct {
	Addr     string
	Addrs    []string
	Username string
	Password string
	Stream   string
	// GroupPrefix is joined with InstanceID to name this instance's consumer
	// group, so every instance reads every event.
	GroupPrefix  string
	InstanceID   string
	MasterName   string
	Logger       *slog.Logger
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	BlockTimeout time.Duration
	Buffer       int
	PoolSize     int
	TLS          RedisTLSConfig
}

type RedisRelay struct {
	client       redis.UniversalClient
	stream       string
	group        string
	blockTimeout time.Duration
	logger       *slog.Logger
	buffer       int

	groupMu    sync.Mutex
	groupReady atomic.Bool

	mu   sync.Mutex
	subs []*redisSubscription
}

// NewRedisRelay connects to Redis and creates the instance's consumer group.
func NewRedisRelay(cfg RedisRelayConfig) (*RedisRelay, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, errors.New("redis addr is required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "mediaforge:events"
	}
	prefix := strings.TrimSpace(cfg.GroupPrefix)
	if prefix == "" {
		prefix = "mediaforge-notify"
	}
	instanceID := strings.TrimSpace(cfg.InstanceID)
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 128
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	relay := &RedisRelay{
		client:       client,
		stream:       stream,
		group:        prefix + ":" + instanceID,
		blockTimeout: cfg.BlockTimeout,
		logger:       cfg.Logger,
		buffer:       cfg.Buffer,
	}
	if relay.logger == nil {
		relay.logger = slog.Default()
	}
	if relay.blockTimeout <= 0 {
		relay.blockTimeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := relay.ensureGroup(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	return relay, nil
}

func (r *RedisRelay) Publish(ctx context.Context, event models.Event) error {
	if event.Kind == "" {
		return errors.New("event type is required")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]interface{}{"payload": string(payload)},
	}).Err()
}

func (r *RedisRelay) Subscribe() Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &redisSubscription{
		relay:    r,
		consumer: "consumer-" + uuid.NewString(),
		cancel:   cancel,
		done:     make(chan struct{}),
		ch:       make(chan models.Event, r.buffer),
	}
	r.mu.Lock()
	r.subs = append(r.subs, sub)
	r.mu.Unlock()
	go sub.run(ctx)
	return sub
}

// Ping reports whether Redis is reachable.
func (r *RedisRelay) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close stops every subscription and closes the client.
func (r *RedisRelay) Close() error {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
	return r.client.Close()
}

func (r *RedisRelay) ensureGroup(ctx context.Context) error {
	if r.groupReady.Load() {
		return nil
	}
	r.groupMu.Lock()
	defer r.groupMu.Unlock()
	if r.groupReady.Load() {
		return nil
	}
	err := r.client.XGroupCreateMkStream(ctx, r.stream, r.group, "$").Err()
	if err != nil && !isBusyGroup(err) {
		return err
	}
	r.groupReady.Store(true)
	return nil
}

type redisSubscription struct {
	relay    *RedisRelay
	consumer string
	cancel   context.CancelFunc
	done     chan struct{}

	once sync.Once
	ch   chan models.Event
}

func (s *redisSubscription) Events() <-chan models.Event {
	return s.ch
}

// Close stops the reader and waits for it to release the channel.
func (s *redisSubscription) Close() {
	s.once.Do(s.cancel)
	<-s.done
}

func (s *redisSubscription) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.ch)
	logger := s.relay.logger
	for ctx.Err() == nil {
		if err := s.relay.ensureGroup(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("redis relay group ensure failed", "error", err)
			sleep(ctx, 200*time.Millisecond)
			continue
		}
		streams, err := s.relay.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.relay.group,
			Consumer: s.consumer,
			Streams:  []string{s.relay.stream, ">"},
			Count:    32,
			Block:    s.relay.blockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			logger.Warn("redis relay read failed", "error", err)
			sleep(ctx, 200*time.Millisecond)
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				raw, _ := msg.Values["payload"].(string)
				var event models.Event
				if err := json.Unmarshal([]byte(raw), &event); err != nil {
					logger.Error("redis relay decode failed", "id", msg.ID, "error", err)
					s.ack(msg.ID)
					continue
				}
				select {
				case s.ch <- event:
					s.ack(msg.ID)
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (s *redisSubscription) ack(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.relay.client.XAck(ctx, s.relay.stream, s.relay.group, id).Err(); err != nil {
		s.relay.logger.Warn("redis relay ack failed", "id", id, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP")
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify, ServerName: cfg.ServerName}
	if cfg.CAFile != "" {
		pemData, err := os.ReadFile(filepath.Clean(cfg.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(cfg.CertFile), filepath.Clean(cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
