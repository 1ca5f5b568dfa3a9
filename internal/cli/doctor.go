package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/medasklabs/medask-go/internal/config"
)

type checkResult struct {
	Name   string
	Detail string
	Err    error
}

func newDoctorCmd(opts *rootOptions) *cobra.Command {
	var timeout int

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check connectivity to the entity detector and every configured backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			a, err := buildApp(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(timeout)*time.Second)
			defer cancel()

			checks := runChecks(ctx, a)
			failed := 0
			for _, c := range checks {
				if c.Err != nil {
					failed++
					fmt.Printf("%s %-22s %v\n", failStyle.Render("[FAIL]"), c.Name, c.Err)
					continue
				}
				fmt.Printf("%s %-22s %s\n", okStyle.Render("[ OK ]"), c.Name, c.Detail)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d checks failed", failed, len(checks))
			}
			fmt.Println("All checks passed.")
			return nil
		},
	}

	cmd.Flags().IntVar(&timeout, "timeout", 30, "Overall timeout in seconds")

	return cmd
}

func runChecks(ctx context.Context, a *app) []checkResult {
	checks := []checkResult{{
		Name: "configuration",
		Detail: fmt.Sprintf("%d backends, mode=%s, threshold=%.2f",
			len(a.adapters), a.cfg.Gate.Mode, a.cfg.Gate.Threshold),
	}}

	det := checkResult{Name: "entity detector", Detail: "reachable"}
	if err := a.detector.Check(ctx); err != nil {
		det.Err = err
		det.Detail = ""
	}
	checks = append(checks, det)

	for _, ad := range a.adapters {
		c := checkResult{Name: "backend " + ad.Name(), Detail: "reachable"}
		if chk, ok := ad.(interface{ Check(context.Context) error }); ok {
			if err := chk.Check(ctx); err != nil {
				c.Err = err
				c.Detail = ""
			}
		} else {
			c.Detail = "no health check"
		}
		checks = append(checks, c)
	}

	return checks
}
