package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	pulse "github.com/pulsechat/pulse/sdk/golang"
)

var (
	listenResync      bool
	listenMetricsAddr string
)

func init() {
	rootCmd.AddCommand(listenCmd)
	listenCmd.Flags().BoolVar(&listenResync, "resync", true, "load every store over REST after connecting")
	listenCmd.Flags().StringVar(&listenMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
}

// eventLine is one line of listen output.
type eventLine struct {
	Time    time.Time     `json:"time"`
	Channel pulse.Channel `json:"channel"`
	Event   pulse.Event   `json:"event"`
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Stream push events as JSON lines",
	Long:  "Open the push connection and print every event, one JSON object per line, until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var opts []func(*pulse.SessionConfig)
		if listenMetricsAddr != "" {
			reg := prometheus.NewRegistry()
			metrics := pulse.NewMetrics(reg)
			opts = append(opts, func(sc *pulse.SessionConfig) { sc.Metrics = metrics })
			stopMetrics := serveMetrics(listenMetricsAddr, reg)
			defer stopMetrics()
		}

		sess, closeSession, err := openSession(ctx, opts...)
		if err != nil {
			return err
		}
		defer closeSession()

		var mu sync.Mutex
		enc := json.NewEncoder(cmd.OutOrStdout())
		emit := func(ev pulse.Event) {
			mu.Lock()
			defer mu.Unlock()
			if err := enc.Encode(eventLine{Time: time.Now().UTC(), Channel: ev.Channel(), Event: ev}); err != nil {
				logger.Warn("write event", "channel", ev.Channel(), "error", err)
			}
		}
		for _, ch := range pulse.KnownChannels() {
			sess.On(ch, emit)
		}

		if err := sess.Connect(ctx); err != nil {
			return err
		}
		logger.Info("listening", "user", sess.UserID(), "state", sess.State())
		if listenResync {
			if err := sess.Resync(ctx); err != nil {
				logger.Warn("initial load", "error", err)
			}
		}

		<-ctx.Done()
		logger.Info("stopping")
		return nil
	},
}

// serveMetrics exposes reg over HTTP until the returned func is called.
func serveMetrics(addr string, reg *prometheus.Registry) (stop func()) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "addr", addr, "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
