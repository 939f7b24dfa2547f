package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	evidence "github.com/i5heu/ouroboros-evidence"
	"github.com/i5heu/ouroboros-evidence/internal/httpapi"
)

var (
	flagListen      string
	flagDemo        bool
	flagOpsInterval time.Duration

	flagDemoFrames    int
	flagDemoInterval  time.Duration
	flagDemoFrameSize int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve health, status, verification and court reports over HTTP",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Record simulated frames, confirm them and print the verification result",
	Args:  cobra.NoArgs,
	RunE:  runDemo,
}

func init() {
	serveCmd.Flags().StringVar(&flagListen, "listen", "", "listen address (default :8080)")
	serveCmd.Flags().BoolVar(&flagDemo, "demo", false, "record simulated frames while serving")
	serveCmd.Flags().DurationVar(&flagOpsInterval, "ops-interval", 0, "log store operations at this interval")

	for _, c := range []*cobra.Command{serveCmd, demoCmd} {
		c.Flags().IntVar(&flagDemoFrames, "frames", 30, "simulated frames to record")
		c.Flags().DurationVar(&flagDemoInterval, "frame-interval", 33*time.Millisecond, "time between simulated frames")
		c.Flags().IntVar(&flagDemoFrameSize, "frame-size", 64*1024, "payload bytes per simulated frame")
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if flagListen != "" {
		cfg.ListenAddr = flagListen
	}
	v, err := evidence.Init(cfg)
	if err != nil {
		return fmt.Errorf("failed to open evidence vault: %w", err)
	}
	defer v.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logrus.NewEntry(cfg.Logger)
	if flagOpsInterval > 0 {
		v.StartOpsCounter(ctx, flagOpsInterval)
	}
	if flagDemo {
		go func() {
			if _, err := generateFrames(ctx, v, flagDemoFrames, flagDemoInterval, flagDemoFrameSize, log); err != nil && ctx.Err() == nil {
				log.WithError(err).Error("Demo frame generation stopped")
			}
		}()
	}

	srv := httpapi.NewServer(v, cfg.ListenAddr, log)
	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("Serving evidence API")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runDemo(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Ledger.ConfirmationInterval == 0 {
		cfg.Ledger.ConfirmationInterval = 10 * time.Millisecond
	}
	v, err := evidence.Init(cfg)
	if err != nil {
		return fmt.Errorf("failed to open evidence vault: %w", err)
	}
	defer v.Close()

	ctx := cmd.Context()
	log := logrus.NewEntry(cfg.Logger)
	frames, err := generateFrames(ctx, v, flagDemoFrames, flagDemoInterval, flagDemoFrameSize, log)
	if err != nil {
		return err
	}
	if sim := v.Simulated(); sim != nil {
		sim.Advance(1)
	}

	res, err := v.VerifyFrames(ctx, frames)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if !res.IsValid {
		return fmt.Errorf("%w: %s", errInvalidEvidence, res.TamperEvidence)
	}
	return nil
}

// generateFrames records n simulated drone frames with moving coordinates.
func generateFrames(ctx context.Context, v *evidence.Vault, n int, interval time.Duration, size int, log *logrus.Entry) ([]evidence.EncryptedFrame, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	out := make([]evidence.EncryptedFrame, 0, n)
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-ticker.C:
		}

		payload := make([]byte, size)
		if _, err := rand.Read(payload); err != nil {
			return out, fmt.Errorf("failed to generate payload: %w", err)
		}
		ef, err := v.Record(ctx, evidence.Frame{
			Payload: payload,
			Metadata: evidence.Metadata{
				DeviceID:   "demo_drone_001",
				Location:   &evidence.Location{Lat: 40.7128 + float64(i)*0.0001, Lng: -74.0060},
				Resolution: evidence.Resolution{Width: 1920, Height: 1080},
				FrameRate:  30,
				Codec:      "H.264",
			},
		})
		if err != nil {
			return out, err
		}
		out = append(out, ef)
		if len(out)%100 == 0 {
			log.WithField("frames", len(out)).Info("Generated demo frames")
		}
	}
	return out, nil
}
