package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatloop-ai/chatloop/internal/config"
	"github.com/chatloop-ai/chatloop/internal/event"
	"github.com/chatloop-ai/chatloop/internal/logging"
	"github.com/chatloop-ai/chatloop/internal/session"
	"github.com/chatloop-ai/chatloop/internal/storage"
	"github.com/chatloop-ai/chatloop/internal/transport"
	"github.com/chatloop-ai/chatloop/pkg/types"
)

var (
	chatSession  string
	chatBaseURL  string
	chatNoStream bool
	chatDir      string
)

var chatCmd = &cobra.Command{
	Use:   "chat [message...]",
	Short: "Start an interactive chat session",
	Long: `Start an interactive chat session against the configured backend.

With a message argument, sends it and exits after the reply. Without
arguments, opens a prompt loop. Ctrl-C interrupts the in-flight reply
while keeping what already arrived.

Examples:
  chatloop chat
  chatloop chat "summarize the release notes"
  chatloop chat --session 01J9GABC
  chatloop chat --no-stream "one-shot question"`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatSession, "session", "s", "", "Session ID to resume")
	chatCmd.Flags().StringVar(&chatBaseURL, "base-url", "", "Backend base URL (overrides config)")
	chatCmd.Flags().BoolVar(&chatNoStream, "no-stream", false, "Use single-shot requests instead of streaming")
	chatCmd.Flags().StringVar(&chatDir, "directory", "", "Working directory")
}

func runChat(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(chatDir)
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
	if chatBaseURL != "" {
		cfg.BaseURL = chatBaseURL
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8080"
	}
	if chatNoStream {
		disabled := false
		cfg.Streaming = &disabled
	}

	// SIGTERM ends the process; Ctrl-C is handled separately below so it
	// interrupts the in-flight reply instead of killing the loop.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	store := session.NewFileStore(storage.New(paths.StoragePath()))
	channel := transport.NewHTTPChannel(cfg.BaseURL, cfg.APIKey)
	mgr := session.NewManager(cfg, store, channel, channel)

	// Config edits take effect without a restart: logging swaps
	// immediately, the turn tunables apply from the next send.
	go config.Watch(ctx, workDir, func(next *types.Config) {
		if next.Logging.Level != "" {
			logging.Init(logging.Config{
				Level:  logging.ParseLevel(next.Logging.Level),
				Pretty: true,
			})
		}
		if chatNoStream {
			disabled := false
			next.Streaming = &disabled
		}
		mgr.ApplyConfig(next)
	})

	if chatSession != "" {
		if err := mgr.Resume(ctx, chatSession); err != nil {
			return fmt.Errorf("resume session %s: %w", chatSession, err)
		}
		for _, msg := range mgr.Timeline() {
			printMessage(msg)
		}
	}

	unsub := event.Subscribe(event.FallbackStarted, func(e event.Event) {
		fmt.Fprintln(os.Stderr, "\n(stream interrupted, retrying without streaming...)")
	})
	defer unsub()

	// Ctrl-C mid-turn interrupts the reply; the prompt loop keeps going.
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)
	go func() {
		for range interrupts {
			mgr.Cancel()
		}
	}()

	if len(args) > 0 {
		sendAndRender(ctx, mgr, strings.Join(args, " "))
		return mgr.Err()
	}

	fmt.Println("chatloop - type a message, /help for commands")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/help":
			fmt.Println("/new      start a fresh conversation")
			fmt.Println("/sessions list stored sessions")
			fmt.Println("/resume <id>")
			fmt.Println("/quit")
		case line == "/new":
			if err := mgr.ClearHistory(ctx); err != nil {
				fmt.Fprintln(os.Stderr, err)
			} else {
				fmt.Println("(conversation cleared)")
			}
		case line == "/sessions":
			listSessions(ctx, mgr)
		case strings.HasPrefix(line, "/resume "):
			id := strings.TrimSpace(strings.TrimPrefix(line, "/resume "))
			if err := mgr.Resume(ctx, id); err != nil {
				fmt.Fprintln(os.Stderr, err)
				continue
			}
			for _, msg := range mgr.Timeline() {
				printMessage(msg)
			}
		default:
			sendAndRender(ctx, mgr, line)
		}
	}
}

// sendAndRender runs one turn while echoing assistant content to stdout
// as it accumulates.
func sendAndRender(ctx context.Context, mgr *session.Manager, text string) {
	before := len(mgr.Timeline())

	done := make(chan struct{})
	go func() {
		defer close(done)
		mgr.SendMessage(ctx, text)
	}()

	printed := 0
	render := func() {
		timeline := mgr.Timeline()
		if len(timeline) <= before+1 {
			return
		}
		content := timeline[before+1].Content
		if len(content) > printed {
			fmt.Print(content[printed:])
			printed = len(content)
		}
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			render()
		case <-done:
			render()
			fmt.Println()
			// Tool invocations settle after the assistant message.
			for _, msg := range mgr.Timeline()[min(before+2, len(mgr.Timeline())):] {
				printMessage(msg)
			}
			return
		}
	}
}

func printMessage(msg types.Message) {
	switch msg.Role {
	case types.RoleUser:
		fmt.Printf("> %s\n", msg.Content)
	case types.RoleTool:
		fmt.Printf("  [tool] %s\n", msg.Content)
	case types.RoleError:
		fmt.Fprintf(os.Stderr, "! %s\n", msg.Content)
	default:
		fmt.Println(msg.Content)
	}
}

func listSessions(ctx context.Context, mgr *session.Manager) {
	sessions, err := mgr.Sessions(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	if len(sessions) == 0 {
		fmt.Println("(no stored sessions)")
		return
	}
	for _, s := range sessions {
		used := time.UnixMilli(s.Time.Used).Format(time.RFC3339)
		fmt.Printf("%s  %3d messages  last used %s\n", s.ID, len(s.Messages), used)
	}
}
