package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"scentsmart/internal/serialcomm"
)

var showRaw bool

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Print every frame received from the device until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		var opts []serialcomm.TransportOption
		if showRaw {
			opts = append(opts, serialcomm.WithObserver(func(ev serialcomm.Event) {
				if len(ev.Data) > 0 {
					fmt.Fprintf(out, "%s %s % x\n", ev.At.Format("15:04:05.000"), ev.Dir, ev.Data)
				}
			}))
		}
		dev, err := openDevice(cfg, nil, opts...)
		if err != nil {
			return err
		}
		defer dev.Disconnect()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		for {
			f, err := dev.NextResponse(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(out, describe(f))
		}
	},
}

func init() {
	monitorCmd.Flags().BoolVar(&showRaw, "raw", false, "also print raw TX/RX bytes")
	rootCmd.AddCommand(monitorCmd)
}
