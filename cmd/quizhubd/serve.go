package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/quizhub-dev/quizhub/internal/config"
	"github.com/quizhub-dev/quizhub/internal/hub"
	"github.com/quizhub-dev/quizhub/internal/metrics"
	"github.com/quizhub-dev/quizhub/internal/question"
	"github.com/quizhub-dev/quizhub/internal/transport"
)

const metricsSummaryInterval = 60 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "start the quiz hub and serve the WebSocket transport",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	},
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	defer rootCancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	seq := make([]question.Difficulty, 0, len(cfg.DifficultySequence))
	for _, d := range cfg.DifficultySequence {
		seq = append(seq, question.Difficulty(d))
	}

	rateLimit, err := cfg.RateLimitMap()
	if err != nil {
		return err
	}

	collector := metrics.New()

	h := hub.New(hub.Config{
		WinnerDisplayDuration: cfg.WinnerDisplayDuration,
		PostLockHandoffDelay:  cfg.PostLockHandoffDelay,
		DefaultDifficulty:     question.Difficulty(cfg.DefaultDifficulty),
		GracePeriodFairness:   cfg.GracePeriodFairness,
		GracePeriod:           cfg.GracePeriod,
		DifficultySequence:    seq,
		SubmitRateLimit:       rateLimit,
	}, nil, collector)

	srv := transport.NewServer(h, h, cfg.AllowedOrigins)
	h.SetTransport(srv)
	h.Start()

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Mux(),
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("quizhubd: listening on %s", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	summaryTicker := time.NewTicker(metricsSummaryInterval)
	defer summaryTicker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Printf("quizhubd: shutdown signal received, draining connections")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				log.Printf("quizhubd: shutdown error: %v", err)
			}
			return <-serverErr
		case err := <-serverErr:
			return err
		case <-summaryTicker.C:
			log.Print(collector.PeriodicSummary())
		}
	}
}
