package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatloop-ai/chatloop/internal/devserver"
	"github.com/chatloop-ai/chatloop/internal/logging"
)

var (
	servePort       int
	serveChunkDelay time.Duration
	serveNoCORS     bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a local development backend",
	Long: `Start a local chat backend speaking the chatloop wire protocol.

It echoes messages back over SSE, which is enough to exercise streaming,
fallback, and cancellation behavior end to end without a real model.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8080, "Port to listen on")
	serveCmd.Flags().DurationVar(&serveChunkDelay, "chunk-delay", 80*time.Millisecond, "Delay between streamed chunks")
	serveCmd.Flags().BoolVar(&serveNoCORS, "no-cors", false, "Disable CORS headers")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := devserver.DefaultConfig()
	cfg.Port = servePort
	cfg.ChunkDelay = serveChunkDelay
	cfg.EnableCORS = !serveNoCORS

	srv := devserver.New(cfg)

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Int("port", cfg.Port).Msg("dev server listening")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-quit:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
