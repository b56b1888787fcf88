package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	pulse "github.com/pulsechat/pulse/sdk/golang"
	"github.com/pulsechat/pulse/sdk/golang/sqlitestore"
)

const requestTimeout = 15 * time.Second

var errNoToken = errors.New("no access token: run 'pulse init <token>' or set PULSE_TOKEN")

// newClient creates a REST client authenticated with the configured token.
func newClient() (*pulse.Client, error) {
	if cfg.Auth.Token == "" {
		return nil, errNoToken
	}
	var opts []pulse.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, pulse.WithBaseURL(cfg.Default.BaseURL))
	}
	opts = append(opts, pulse.WithLogger(logger))
	return pulse.NewClient(cfg.Auth.Token, opts...), nil
}

// openSession builds a session from the config. When a storage path is
// configured the stores are persisted to SQLite and hydrated before return.
// The returned close func disposes the session and closes the storage.
func openSession(ctx context.Context, opts ...func(*pulse.SessionConfig)) (*pulse.Session, func(), error) {
	if cfg.Auth.Token == "" {
		return nil, nil, errNoToken
	}
	sc := pulse.SessionConfig{
		BaseURL:  cfg.Default.BaseURL,
		WSURL:    cfg.Default.WSURL,
		Token:    cfg.Auth.Token,
		UserID:   cfg.Auth.UserID,
		Username: cfg.Auth.Username,
		Logger:   logger,
	}
	for _, opt := range opts {
		opt(&sc)
	}

	var st *sqlitestore.Store
	if cfg.Default.StoragePath != "" {
		var err error
		st, err = sqlitestore.Open(cfg.Default.StoragePath)
		if err != nil {
			return nil, nil, err
		}
		sc.Storage = st
	}

	sess, err := pulse.NewSession(sc)
	if err != nil {
		if st != nil {
			_ = st.Close()
		}
		return nil, nil, err
	}
	closeFn := func() {
		sess.Dispose()
		if st != nil {
			if err := st.Close(); err != nil {
				logger.Warn("close storage", "error", err)
			}
		}
	}

	if st != nil {
		if err := sess.Hydrate(ctx); err != nil {
			logger.Warn("hydrate from storage", "path", cfg.Default.StoragePath, "error", err)
		}
	}
	return sess, closeFn, nil
}

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), requestTimeout)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// maskKey shows the first 8 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func displayName(u *pulse.User, fallback string) string {
	if u == nil {
		return fallback
	}
	if u.DisplayName != "" {
		return fmt.Sprintf("%s (%s)", u.DisplayName, u.Username)
	}
	return u.Username
}
