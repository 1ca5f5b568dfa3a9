package cli

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/medasklabs/medask-go/internal/config"
	"github.com/medasklabs/medask-go/internal/history"
	"github.com/medasklabs/medask-go/internal/redact"
	"github.com/medasklabs/medask-go/internal/route"
)

func newAskCmd(opts *rootOptions) *cobra.Command {
	var (
		sessionID     string
		jsonOut       bool
		modeFlag      string
		thresholdFlag float64
		showOriginal  bool
		noSave        bool
	)

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask one question through the redaction gate and backend chain",
		Long: `Ask sends a single question to the first backend that answers. Personal
details are detected and redacted before the question leaves this machine.

Examples:
  medask ask "What are the latest treatments for type 2 diabetes?"
  cat note.txt | medask ask
  medask ask --session sess-1a2b3c4d "And the side effects?"
  medask ask --mode reject "Is this prescription right for patient John Doe?"
  medask ask --json "What is metformin?" | jq .answer`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.TrimSpace(strings.Join(args, " "))
			if question == "" {
				// no argument, accept piped stdin
				if stat, err := os.Stdin.Stat(); err == nil && (stat.Mode()&os.ModeCharDevice) == 0 {
					data, err := io.ReadAll(bufio.NewReader(os.Stdin))
					if err == nil {
						question = strings.TrimSpace(string(data))
					}
				}
			}
			if question == "" {
				return fmt.Errorf("no question given (pass as argument or pipe on stdin)")
			}

			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			a, err := buildApp(cfg)
			if err != nil {
				return err
			}

			mode := a.mode
			if modeFlag != "" {
				if mode, err = redact.ParseMode(modeFlag); err != nil {
					return err
				}
			}
			threshold := cfg.Gate.Threshold
			if cmd.Flags().Changed("threshold") {
				if thresholdFlag < 0 || thresholdFlag > 1 {
					return fmt.Errorf("threshold %v out of range [0, 1]", thresholdFlag)
				}
				threshold = thresholdFlag
			}

			var (
				store *history.Store
				rec   *history.Record
				sess  route.Session
			)
			if sessionID != "" {
				if store, err = history.New(""); err != nil {
					return err
				}
				if rec, err = store.Load(sessionID); err != nil {
					return fmt.Errorf("resume %s: %w", sessionID, err)
				}
				sess = route.Session{Backend: rec.Backend, Handle: rec.Handle}
			}

			ctx := cmd.Context()

			gateStart := time.Now()
			res, err := a.gate(mode, threshold).Evaluate(ctx, question)
			if err != nil {
				var de *redact.DetectionError
				if errors.As(err, &de) {
					return fmt.Errorf("entity detection unavailable, query not sent: %w", de.Err)
				}
				return err
			}
			gateDur := time.Since(gateStart)

			if res.ShouldReject {
				if !jsonOut {
					printRedactionSummary(res, showOriginal)
				}
				return fmt.Errorf("query blocked: remove personal information and try again")
			}

			routeStart := time.Now()
			ans, bound, err := a.router.Query(ctx, res.TransformedText, sess)
			if err != nil {
				return err
			}
			routeDur := time.Since(routeStart)

			savedID := ""
			if !noSave {
				if store == nil {
					store, err = history.New("")
				}
				if err != nil {
					slog.Warn("session not saved", "err", err)
				} else {
					if rec == nil {
						rec = &history.Record{}
					}
					// persist the redacted form only
					now := time.Now()
					rec.Backend = bound.Backend
					rec.Handle = bound.Handle
					rec.Turns = append(rec.Turns,
						history.Turn{Role: "user", Content: res.TransformedText, Time: now},
						history.Turn{Role: "assistant", Content: ans.Text, Backend: bound.Backend, Time: now},
					)
					if savedID, err = store.Save(rec); err != nil {
						slog.Warn("session not saved", "err", err)
						savedID = ""
					}
				}
			}

			if jsonOut {
				out := map[string]any{
					"answer":         ans.Text,
					"citations":      ans.Citations,
					"backend":        bound.Backend,
					"grounding_used": ans.GroundingUsed,
					"run_id":         ans.RunID,
					"redacted":       res.HasSensitiveData,
					"sent_text":      res.TransformedText,
					"categories":     redact.CountByCategory(res.Spans),
					"session":        savedID,
					"gate_ms":        gateDur.Milliseconds(),
					"answer_ms":      routeDur.Milliseconds(),
				}
				b, err := json.MarshalIndent(out, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(b))
				return nil
			}

			printRedactionSummary(res, showOriginal)
			printAnswer(ans.Text)
			printCitations(ans.Citations)

			grounded := "no"
			if ans.GroundingUsed {
				grounded = "yes"
			}
			summary := fmt.Sprintf("backend=%s grounded=%s gate=%dms answer=%dms",
				bound.Backend, grounded, gateDur.Milliseconds(), routeDur.Milliseconds())
			if savedID != "" {
				summary += " session=" + savedID
			}
			fmt.Println(labelStyle.Render(summary))
			return nil
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Continue a saved session by ID")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output the full result as JSON")
	cmd.Flags().StringVar(&modeFlag, "mode", "", "Gate mode for this query: redact or reject")
	cmd.Flags().Float64Var(&thresholdFlag, "threshold", 0, "Confidence threshold for this query (0..1)")
	cmd.Flags().BoolVar(&showOriginal, "show-original", false, "Show the original question with redacted parts highlighted")
	cmd.Flags().BoolVar(&noSave, "no-save", false, "Do not persist this exchange as a session")

	return cmd
}
