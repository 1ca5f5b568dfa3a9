package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/medasklabs/medask-go/internal/config"
	"github.com/medasklabs/medask-go/internal/history"
	"github.com/medasklabs/medask-go/internal/redact"
	"github.com/medasklabs/medask-go/internal/route"
)

func newChatCmd(opts *rootOptions) *cobra.Command {
	var (
		sessionID    string
		showOriginal bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive session with redaction applied to every message",
		Long: `Chat starts an interactive session. Every message passes through the
redaction gate before it reaches a backend, and the conversation sticks to
the backend that answered first for as long as it keeps working.

Commands inside the session: /status, /clear, /quit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			a, err := buildApp(cfg)
			if err != nil {
				return err
			}
			store, err := history.New("")
			if err != nil {
				return err
			}

			rec := &history.Record{}
			var sess route.Session
			if sessionID != "" {
				if rec, err = store.Load(sessionID); err != nil {
					return fmt.Errorf("resume %s: %w", sessionID, err)
				}
				sess = route.Session{Backend: rec.Backend, Handle: rec.Handle}
				fmt.Printf("Resumed session %s (%d turns)\n", rec.ID, len(rec.Turns))
			}

			line := liner.NewLiner()
			line.SetCtrlCAborts(true)
			defer line.Close()
			loadPromptHistory(line)
			defer savePromptHistory(line)

			fmt.Println("medask chat. Personal details are redacted before anything leaves this machine.")
			fmt.Println("Commands: /status, /clear, /quit")

			g := a.gate(a.mode, cfg.Gate.Threshold)
			ctx := cmd.Context()

		loop:
			for {
				input, err := line.Prompt(promptStyle.Render("medask> "))
				if err != nil {
					if err == liner.ErrPromptAborted || err == io.EOF {
						fmt.Println()
						break
					}
					return err
				}
				input = strings.TrimSpace(input)
				if input == "" {
					continue
				}
				line.AppendHistory(input)

				switch input {
				case "/quit", "/exit":
					break loop
				case "/clear":
					sess = route.Session{}
					rec = &history.Record{}
					fmt.Println("Session cleared.")
					continue
				case "/status":
					printChatStatus(a, sess, rec)
					continue
				}

				res, err := g.Evaluate(ctx, input)
				if err != nil {
					var de *redact.DetectionError
					if errors.As(err, &de) {
						fmt.Println(errorStyle.Render("entity detection unavailable, message not sent"))
						continue
					}
					fmt.Println(errorStyle.Render(err.Error()))
					continue
				}
				if res.ShouldReject {
					printRedactionSummary(res, showOriginal)
					fmt.Println(errorStyle.Render("message blocked: remove personal information and try again"))
					continue
				}
				printRedactionSummary(res, showOriginal)

				ans, bound, err := a.router.Query(ctx, res.TransformedText, sess)
				if err != nil {
					fmt.Println(errorStyle.Render(err.Error()))
					continue
				}
				if sess.Bound() && bound.Backend != sess.Backend {
					fmt.Println(labelStyle.Render("note: answered by " + bound.Backend + ", earlier context was not carried over"))
				}
				sess = bound

				printAnswer(ans.Text)
				printCitations(ans.Citations)

				// persist the redacted form only
				now := time.Now()
				rec.Backend = bound.Backend
				rec.Handle = bound.Handle
				rec.Turns = append(rec.Turns,
					history.Turn{Role: "user", Content: res.TransformedText, Time: now},
					history.Turn{Role: "assistant", Content: ans.Text, Backend: bound.Backend, Time: now},
				)
				if id, err := store.Save(rec); err == nil {
					rec.ID = id
				}
			}

			if rec.ID != "" {
				fmt.Printf("Session saved as %s. Continue with: medask chat --session %s\n", rec.ID, rec.ID)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Resume a saved session by ID")
	cmd.Flags().BoolVar(&showOriginal, "show-original", false, "Show redacted parts of your messages highlighted")

	return cmd
}

func printChatStatus(a *app, sess route.Session, rec *history.Record) {
	backendName := sess.Backend
	if backendName == "" {
		backendName = "none (first answer binds one)"
	}
	fmt.Println(labelStyle.Render("chain:   ") + strings.Join(a.router.Backends(), " > "))
	fmt.Println(labelStyle.Render("backend: ") + valueStyle.Render(backendName))
	if rec.ID != "" {
		fmt.Println(labelStyle.Render("session: ") + rec.ID)
	}
	fmt.Println(labelStyle.Render("turns:   ") + strconv.Itoa(len(rec.Turns)))
}

// promptHistoryPath returns the liner history file under the user config dir.
func promptHistoryPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "medask_chat_history")
	}
	return filepath.Join(base, "medask", "chat_history")
}

func loadPromptHistory(line *liner.State) {
	if f, err := os.Open(promptHistoryPath()); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
}

func savePromptHistory(line *liner.State) {
	p := promptHistoryPath()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return
	}
	defer f.Close()
	line.WriteHistory(f)
}
