package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type config struct {
	Name        string
	Addr        string
	Path        string
	Heartbeat   time.Duration
	PollTimeout time.Duration
	Padding     int
	Debug       bool
}

func defaultConfig() config {
	return config{
		Name:        "default",
		Addr:        ":8080",
		Path:        "/portal",
		Heartbeat:   20 * time.Second,
		PollTimeout: 30 * time.Second,
		Padding:     4096,
	}
}

// loadEnv reads the given .env files (".env" when none are named) into the
// process environment. Missing files are not an error.
func loadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// configFromEnv overlays PORTAL_* variables on the defaults.
func configFromEnv(lookup func(string) (string, bool)) (config, error) {
	cfg := defaultConfig()

	if v, ok := lookup("PORTAL_NAME"); ok {
		cfg.Name = v
	}
	if v, ok := lookup("PORTAL_ADDR"); ok {
		cfg.Addr = v
	}
	if v, ok := lookup("PORTAL_PATH"); ok {
		cfg.Path = v
	}

	var err error
	if v, ok := lookup("PORTAL_HEARTBEAT"); ok {
		if cfg.Heartbeat, err = time.ParseDuration(v); err != nil {
			return cfg, fmt.Errorf("PORTAL_HEARTBEAT: %w", err)
		}
	}
	if v, ok := lookup("PORTAL_LONGPOLL_TIMEOUT"); ok {
		if cfg.PollTimeout, err = time.ParseDuration(v); err != nil {
			return cfg, fmt.Errorf("PORTAL_LONGPOLL_TIMEOUT: %w", err)
		}
	}
	if v, ok := lookup("PORTAL_PADDING"); ok {
		if cfg.Padding, err = strconv.Atoi(v); err != nil {
			return cfg, fmt.Errorf("PORTAL_PADDING: %w", err)
		}
	}
	if v, ok := lookup("PORTAL_DEBUG"); ok {
		if cfg.Debug, err = strconv.ParseBool(v); err != nil {
			return cfg, fmt.Errorf("PORTAL_DEBUG: %w", err)
		}
	}

	return cfg, nil
}

func (c config) validate() error {
	if c.Heartbeat < 0 {
		return errors.New("heartbeat must not be negative")
	}
	if c.PollTimeout <= 0 {
		return errors.New("long-poll timeout must be positive")
	}
	if c.Padding < 0 {
		return errors.New("padding must not be negative")
	}
	if c.Path == "" || c.Path[0] != '/' {
		return fmt.Errorf("path %q must start with /", c.Path)
	}
	return nil
}

func lookupEnv(key string) (string, bool) {
	return os.LookupEnv(key)
}
