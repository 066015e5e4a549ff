package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/bigdegenenergy/open-cloud-ops/tether/internal/transport"
	"github.com/bigdegenenergy/open-cloud-ops/tether/pkg/models"
)

func probeCmd() *cobra.Command {
	var (
		kind    string
		secret  string
		timeout time.Duration
		count   int
		wait    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "probe <endpoint>",
		Short: "Check whether a backend endpoint is reachable",
		Long: `Run the same reachability check the health monitor uses against an
endpoint, without saving a connection.

The credential is read from --secret or TETHER_PROBE_SECRET.

Examples:
  tether probe https://api.example.com
  tether probe --kind postgres postgres://app@db.example.com:5432/app
  tether probe --count 5 --interval 2s https://api.example.com`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("TETHER_PROBE_SECRET")
			}
			k := models.TransportKind(strings.ToLower(kind))
			if k != models.TransportHTTP && k != models.TransportPostgres {
				return fmt.Errorf("unknown transport kind %q (want http or postgres)", kind)
			}
			if count < 1 {
				count = 1
			}

			pg := transport.NewPostgres(nil)
			defer pg.Close()
			router := transport.NewRouter()
			router.Register(models.TransportHTTP, transport.NewHTTP(transport.HTTPOptions{}, nil))
			router.Register(models.TransportPostgres, pg)

			target := transport.Target{
				Connection: models.Connection{
					ID:       "probe",
					Name:     "probe",
					Endpoint: args[0],
					Kind:     k,
					TLS:      strings.HasPrefix(args[0], "https://"),
					Timeout:  timeout,
				},
				Secret: secret,
			}

			failures := 0
			for i := 0; i < count; i++ {
				if i > 0 {
					time.Sleep(wait)
				}
				ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
				res := router.Probe(ctx, target)
				cancel()
				printProbe(target.Connection.Endpoint, res)
				if !res.OK {
					failures++
				}
			}

			if count > 1 {
				fmt.Printf("\n%d/%d probes succeeded\n", count-failures, count)
			}
			if failures > 0 {
				return fmt.Errorf("%s is unreachable", args[0])
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "http", "transport kind: http or postgres")
	cmd.Flags().StringVar(&secret, "secret", "", "credential to present to the backend")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "probe timeout")
	cmd.Flags().IntVar(&count, "count", 1, "number of probes to run")
	cmd.Flags().DurationVar(&wait, "interval", time.Second, "wait between probes")
	return cmd
}

func printProbe(endpoint string, res models.ProbeResult) {
	latency := res.Latency.Round(time.Millisecond)
	if res.OK {
		fmt.Printf("%s %s %s\n",
			color.New(color.FgGreen).Sprint("✓"),
			endpoint,
			color.New(color.Faint).Sprintf("(%s)", latency))
		return
	}
	fmt.Printf("%s %s %s\n",
		color.New(color.FgRed).Sprint("✗"),
		endpoint,
		color.New(color.FgYellow).Sprint(res.Detail))
}
