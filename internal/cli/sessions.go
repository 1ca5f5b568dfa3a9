package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/medasklabs/medask-go/internal/history"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage saved sessions",
	}
	cmd.AddCommand(
		newSessionsListCmd(),
		newSessionsShowCmd(),
		newSessionsDeleteCmd(),
		newSessionsClearCmd(),
	)
	return cmd
}

func newSessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved sessions, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := history.New("")
			if err != nil {
				return err
			}
			recs, err := store.List()
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Println("No saved sessions.")
				return nil
			}
			fmt.Printf("%-14s %-11s %-17s %-6s %s\n", "ID", "BACKEND", "UPDATED", "TURNS", "PREVIEW")
			for _, r := range recs {
				name := r.Backend
				if name == "" {
					name = "-"
				}
				fmt.Printf("%-14s %-11s %-17s %-6d %s\n",
					r.ID, name, r.Updated.Format("2006-01-02 15:04"), len(r.Turns), r.Preview())
			}
			return nil
		},
	}
}

func newSessionsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print a saved session transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := history.New("")
			if err != nil {
				return err
			}
			rec, err := store.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Session %s (backend %s, %d turns)\n\n", rec.ID, rec.Backend, len(rec.Turns))
			for _, t := range rec.Turns {
				label := "you"
				if t.Role == "assistant" {
					label = "medask"
					if t.Backend != "" {
						label = "medask/" + t.Backend
					}
				}
				fmt.Printf("%s %s\n%s\n\n", labelStyle.Render(label+":"), t.Time.Format("2006-01-02 15:04"), t.Content)
			}
			return nil
		},
	}
}

func newSessionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a saved session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := history.New("")
			if err != nil {
				return err
			}
			if err := store.Delete(args[0]); err != nil {
				return err
			}
			fmt.Println("Deleted", args[0])
			return nil
		},
	}
}

func newSessionsClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete all saved sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := history.New("")
			if err != nil {
				return err
			}
			n, err := store.Clear()
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d sessions.\n", n)
			return nil
		},
	}
}
