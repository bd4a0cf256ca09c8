package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"scentsmart/internal/codec"
	"scentsmart/internal/device"
)

var waitFor time.Duration

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Send one command to the dispenser and print its reply",
}

// deviceOp builds a subcommand that connects, runs op and waits for one
// response frame.
func deviceOp(use, short string, nargs int, op func(d *device.Device, args []string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(nargs),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dev, err := openDevice(cfg, nil)
			if err != nil {
				return err
			}
			defer dev.Disconnect()

			if err := op(dev, args); err != nil {
				return err
			}
			return awaitReply(cmd.Context(), dev, cmd.OutOrStdout(), waitFor)
		},
	}
}

func awaitReply(ctx context.Context, dev *device.Device, out io.Writer, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	f, err := dev.NextResponse(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("no response within %s", wait)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(out, describe(f))
	return nil
}

func parseRegister(s, what string) (uint16, error) {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", what, s, err)
	}
	return uint16(v), nil
}

func scentOp(send func(d *device.Device, scent uint16) error) func(*device.Device, []string) error {
	return func(d *device.Device, args []string) error {
		scent, err := parseRegister(args[0], "scent number")
		if err != nil {
			return err
		}
		return send(d, scent)
	}
}

// describe renders a response frame for the terminal.
func describe(f codec.Frame) string {
	switch {
	case f.IsException():
		return fmt.Sprintf("unit %d: exception %d on function %d", f.UnitID, f.Exception, f.Function&^0x80)
	case f.Function == codec.FuncReadInputRegisters:
		return fmt.Sprintf("unit %d: registers %v", f.UnitID, f.Registers)
	case f.Function == codec.FuncWriteSingleRegister:
		return fmt.Sprintf("unit %d: wrote %d to %d", f.UnitID, f.Value, f.Address)
	case f.Function == codec.FuncWriteMultipleRegisters:
		return fmt.Sprintf("unit %d: wrote %d registers at %d", f.UnitID, f.Count, f.Address)
	}
	return fmt.Sprintf("unit %d: function %d", f.UnitID, f.Function)
}

func init() {
	deviceCmd.PersistentFlags().DurationVar(&waitFor, "wait", 2*time.Second, "how long to wait for the reply (0 to not wait)")

	deviceCmd.AddCommand(
		deviceOp("frequency <hz>", "Set the pump PWM frequency", 1, func(d *device.Device, args []string) error {
			hz, err := parseRegister(args[0], "frequency")
			if err != nil {
				return err
			}
			return d.SetFrequency(hz)
		}),
		deviceOp("emit <scent>", "Emit a scent with the configured pump settings", 1,
			scentOp((*device.Device).Emit)),
		deviceOp("clean <scent>", "Run the cleaning pump for a scent", 1,
			scentOp((*device.Device).Clean)),
		deviceOp("emit-clean <scent>", "Emit a scent and clean afterwards", 1,
			scentOp((*device.Device).EmitAndClean)),
		deviceOp("stop", "Stop both pumps", 0, func(d *device.Device, _ []string) error {
			return d.Stop()
		}),
		deviceOp("temperature", "Read the temperature registers", 0, func(d *device.Device, _ []string) error {
			return d.ReadTemperature()
		}),
		deviceOp("pressure", "Read the pressure register", 0, func(d *device.Device, _ []string) error {
			return d.ReadPressure()
		}),
		deviceOp("sensors", "Read temperature and pressure together", 0, func(d *device.Device, _ []string) error {
			return d.ReadTemperaturePressure()
		}),
		deviceOp("try", "Emit the familiarization scent", 0, func(d *device.Device, _ []string) error {
			return d.TryScent()
		}),
	)
	rootCmd.AddCommand(deviceCmd)
}
