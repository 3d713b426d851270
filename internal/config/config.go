package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"time"
)

const (
	defaultPushWorkers      = 4
	defaultPushQueueSize    = 256
	defaultPushTTL          = 24 * time.Hour
	defaultMaxContentLength = 5000
	defaultTypingTTL        = 30 * time.Second
)

// Options holds raw settings as read from flags and the environment.
type Options struct {
	ServerAddr       string
	DatabaseDSN      string
	SigningSecret    string
	AllowedOrigins   []string
	VAPIDPrivateKey  string
	VAPIDPublicKey   string
	VAPIDSubject     string
	RedisAddr        string
	PushWorkers      int
	PushQueueSize    int
	PushTTL          time.Duration
	PushOffline      bool
	MaxContentLength int
	TypingTTL        time.Duration
}

type Config struct {
	ServerAddr     string
	DatabaseDSN    string
	SigningKey     []byte
	AllowedOrigins []string

	VAPIDPrivateKey string
	VAPIDPublicKey  string
	VAPIDSubject    string

	// RedisAddr is optional. When empty push suppression is kept in memory.
	RedisAddr string

	PushWorkers      int
	PushQueueSize    int
	PushTTL          time.Duration
	PushOffline      bool
	MaxContentLength int
	TypingTTL        time.Duration
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, errors.New("empty secret")
	}
	return base64.StdEncoding.DecodeString(base64Secret)
}

// PushEnabled reports whether a VAPID private key was configured.
func (c *Config) PushEnabled() bool {
	return c.VAPIDPrivateKey != ""
}

func NewConfig(opts Options) (*Config, error) {
	if opts.ServerAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if opts.DatabaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if opts.SigningSecret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(opts.SigningSecret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	for _, origin := range opts.AllowedOrigins {
		if u, err := url.Parse(origin); err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid allowed origin %q", origin)
		}
	}

	if opts.VAPIDPublicKey != "" && opts.VAPIDPrivateKey == "" {
		return nil, fmt.Errorf("VAPID public key set without a private key")
	}

	if opts.PushWorkers < 0 || opts.PushQueueSize < 0 || opts.PushTTL < 0 {
		return nil, fmt.Errorf("push workers, queue size and TTL must not be negative")
	}
	if opts.MaxContentLength < 0 {
		return nil, fmt.Errorf("max content length must not be negative")
	}
	if opts.TypingTTL < 0 {
		return nil, fmt.Errorf("typing TTL must not be negative")
	}

	cfg := &Config{
		ServerAddr:       opts.ServerAddr,
		DatabaseDSN:      opts.DatabaseDSN,
		SigningKey:       signingKey,
		AllowedOrigins:   opts.AllowedOrigins,
		VAPIDPrivateKey:  opts.VAPIDPrivateKey,
		VAPIDPublicKey:   opts.VAPIDPublicKey,
		VAPIDSubject:     opts.VAPIDSubject,
		RedisAddr:        opts.RedisAddr,
		PushWorkers:      opts.PushWorkers,
		PushQueueSize:    opts.PushQueueSize,
		PushTTL:          opts.PushTTL,
		PushOffline:      opts.PushOffline,
		MaxContentLength: opts.MaxContentLength,
		TypingTTL:        opts.TypingTTL,
	}

	if cfg.PushWorkers == 0 {
		cfg.PushWorkers = defaultPushWorkers
	}
	if cfg.PushQueueSize == 0 {
		cfg.PushQueueSize = defaultPushQueueSize
	}
	if cfg.PushTTL == 0 {
		cfg.PushTTL = defaultPushTTL
	}
	if cfg.MaxContentLength == 0 {
		cfg.MaxContentLength = defaultMaxContentLength
	}
	if cfg.TypingTTL == 0 {
		cfg.TypingTTL = defaultTypingTTL
	}

	return cfg, nil
}
