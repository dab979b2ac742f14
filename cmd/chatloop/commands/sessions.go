package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatloop-ai/chatloop/internal/config"
	"github.com/chatloop-ai/chatloop/internal/session"
	"github.com/chatloop-ai/chatloop/internal/storage"
)

var sessionsDir string

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List stored sessions",
	RunE:  runSessions,
}

func init() {
	sessionsCmd.Flags().StringVar(&sessionsDir, "directory", "", "Working directory")
}

func runSessions(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(sessionsDir)
	if err != nil {
		return err
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}
	cfg, err := config.Load(workDir)
	if err != nil {
		return err
	}

	store := session.NewFileStore(storage.New(paths.StoragePath()))
	sessions, err := store.List(context.Background(), cfg.Scope)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("(no stored sessions)")
		return nil
	}
	for _, s := range sessions {
		used := time.UnixMilli(s.Time.Used).Format(time.RFC3339)
		fmt.Printf("%s  %3d messages  last used %s\n", s.ID, len(s.Messages), used)
	}
	return nil
}
