package cli

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/apptload/internal/mockapi"
)

func newMockAPICmd(a *app) *cobra.Command {
	var (
		addr      string
		latency   time.Duration
		maxStored int
	)

	cmd := &cobra.Command{
		Use:   "mock-api",
		Short: "Serve an in-memory appointment API for dry runs",
		Long: `mock-api serves POST /v1/appointments/create and GET /v1/appointments/query
from memory. Create bodies are validated against the appointment schema.
Point baseUrl at it to try a simulation without the real backend.`,
		Example: `  apptload mock-api --addr :3000 --latency 20ms &
  apptload run --all --set baseUrl=http://localhost:3000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			server := mockapi.New(mockapi.Options{
				Latency:   latency,
				MaxStored: maxStored,
				Logger:    a.logger,
			})
			return server.ListenAndServe(ctx, addr, 5*time.Second)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":3000", "Listen address")
	cmd.Flags().DurationVar(&latency, "latency", 0, "Delay added to every appointment request")
	cmd.Flags().IntVar(&maxStored, "max-stored", mockapi.DefaultMaxStored, "Appointments kept in memory before the oldest are dropped")
	return cmd
}
