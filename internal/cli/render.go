package cli

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/medasklabs/medask-go/internal/backend"
	"github.com/medasklabs/medask-go/internal/redact"
)

// markdownRenderer renders answer bodies for terminal display.
var markdownRenderer *glamour.TermRenderer

func init() {
	var err error
	markdownRenderer, err = glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)
	if err != nil {
		// fall back to plain text
		markdownRenderer = nil
	}
}

var (
	promptStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("6")).Bold(true)
	labelStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	valueStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	redactedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	citationStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	okStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	failStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
)

// isStdoutTTY reports whether stdout is a terminal.
func isStdoutTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// plainOutput reports whether fancy rendering is disabled even on a
// terminal. MEDASK_PLAIN=1 (or true) forces plain text.
func plainOutput() bool {
	raw := strings.TrimSpace(os.Getenv("MEDASK_PLAIN"))
	return raw == "1" || strings.EqualFold(raw, "true")
}

// renderMarkdown renders markdown for terminal display, returning the
// content unchanged when the renderer is unavailable.
func renderMarkdown(content string) string {
	if markdownRenderer == nil {
		return content
	}
	out, err := markdownRenderer.Render(content)
	if err != nil {
		return content
	}
	return out
}

// printAnswer writes the answer body, markdown-rendered on a terminal and
// raw otherwise so piped output stays clean.
func printAnswer(text string) {
	if isStdoutTTY() && !plainOutput() {
		fmt.Print(renderMarkdown(text))
		return
	}
	fmt.Println(text)
}

// printCitations lists the answer's sources.
func printCitations(citations []backend.Citation) {
	if len(citations) == 0 {
		return
	}
	fmt.Println(labelStyle.Render("Sources:"))
	for i, c := range citations {
		fmt.Printf("  [%d] %s\n      %s\n", i+1, c.Title, citationStyle.Render(c.URL))
	}
}

// printRedactionSummary reports what the gate removed, grouped by category,
// and optionally shows the original question with the sensitive parts
// highlighted next to the text actually sent.
func printRedactionSummary(res *redact.Result, showOriginal bool) {
	if !res.HasSensitiveData {
		return
	}

	counts := redact.CountByCategory(res.Spans)
	cats := make([]string, 0, len(counts))
	for c := range counts {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	parts := make([]string, 0, len(cats))
	for _, c := range cats {
		parts = append(parts, fmt.Sprintf("%s x%d", c, counts[c]))
	}
	fmt.Println(labelStyle.Render("Redacted: ") + strings.Join(parts, ", "))

	if showOriginal {
		marked := redact.Highlight(res.OriginalText, res.Spans, func(s redact.Span) string {
			return redactedStyle.Render(s.Text)
		})
		fmt.Println(labelStyle.Render("Original: ") + marked)
		fmt.Println(labelStyle.Render("Sent:     ") + res.TransformedText)
	}
}
