package main

import (
	"net/url"
	"strings"
)

type startupSummary struct {
	args []any
}

// newStartupSummary describes the resolved configuration for the boot log
// line. Credentials never appear in the output.
func newStartupSummary(cfg config) startupSummary {
	store := map[string]any{"driver": cfg.StoreDriver}
	if cfg.StoreDriver == "postgres" {
		store["dsn"] = redactDSN(cfg.PostgresDSN)
		store["migrations"] = !cfg.SkipMigrations
	}

	relay := map[string]any{"driver": cfg.RelayDriver}
	if cfg.RelayDriver == "redis" {
		if cfg.RedisAddr != "" {
			relay["addr"] = cfg.RedisAddr
		}
		if len(cfg.RedisAddrs) > 0 {
			relay["addrs"] = strings.Join(cfg.RedisAddrs, ",")
		}
		if cfg.RedisMasterName != "" {
			relay["master_name"] = cfg.RedisMasterName
		}
		if cfg.RedisStream != "" {
			relay["stream"] = cfg.RedisStream
		}
	}

	throttle := map[string]any{"enabled": !cfg.DisableRateLimit}
	if !cfg.DisableRateLimit {
		throttle["driver"] = "memory"
		if cfg.RateRedisAddr != "" {
			throttle["driver"] = "redis"
			throttle["addr"] = cfg.RateRedisAddr
		}
		throttle["per_client"] = cfg.RateClient.Limit
		throttle["per_client_window"] = cfg.RateClient.Window.String()
		throttle["global"] = cfg.RateGlobal.Limit
		throttle["global_window"] = cfg.RateGlobal.Window.String()
	}

	mirror := map[string]any{"driver": "none"}
	switch {
	case cfg.S3.Bucket != "":
		mirror["driver"] = "s3"
		mirror["bucket"] = cfg.S3.Bucket
		if cfg.S3.Endpoint != "" {
			mirror["endpoint"] = cfg.S3.Endpoint
		}
	case cfg.BlobDir != "":
		mirror["driver"] = "local"
		mirror["path"] = cfg.BlobDir
	}

	authMode := "anonymous"
	switch {
	case cfg.JWKSURL != "":
		authMode = "jwks"
	case cfg.JWTSecret != "":
		authMode = "hmac"
	}

	return startupSummary{args: []any{
		"addr", cfg.Addr,
		"tls", cfg.TLSCert != "" && cfg.TLSKey != "",
		"store", store,
		"relay", relay,
		"upload_throttle", throttle,
		"blob_mirror", mirror,
		"auth", authMode,
		"job_timeout", cfg.JobTimeout.String(),
		"job_max_attempts", cfg.MaxAttempts,
	}}
}

func (s startupSummary) LogArgs() []any {
	out := make([]any, len(s.args))
	copy(out, s.args)
	return out
}

func redactDSN(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" {
		// key=value DSNs are reduced to their non secret fields.
		return redactKeyValueDSN(raw)
	}
	if parsed.User != nil {
		if _, ok := parsed.User.Password(); ok {
			parsed.User = url.UserPassword(parsed.User.Username(), "*****")
		}
	}
	query := parsed.Query()
	if query.Has("password") {
		query.Set("password", "*****")
		parsed.RawQuery = query.Encode()
	}
	return parsed.String()
}

func redactKeyValueDSN(raw string) string {
	fields := strings.Fields(raw)
	for i, field := range fields {
		key, _, ok := strings.Cut(field, "=")
		if ok && strings.EqualFold(key, "password") {
			fields[i] = key + "=*****"
		}
	}
	return strings.Join(fields, " ")
}
