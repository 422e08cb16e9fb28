package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/babelcloud/depthstream/internal/grabber"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func NewSimulateCommand() *cobra.Command {
	opts := grabber.Options{}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run an emulated remote device",
		Long: `Run an emulated remote device that answers the datagram protocol and streams synthetic
compressed frames once a coordinator connects. Add the printed line to a network config to use it.`,
		Example: `  depthstream simulate
  depthstream simulate --addr 0.0.0.0:9400 --fps 15 --width 64 --height 48`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSimulate(ctx, cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.Addr, "addr", "127.0.0.1:0", "Command address to listen on")
	flags.IntVar(&opts.FPS, "fps", 30, "Frames per second once connected (0 disables streaming)")
	flags.IntVar(&opts.Width, "width", 32, "Width of the synthetic grid")
	flags.IntVar(&opts.Height, "height", 24, "Height of the synthetic grid")
	flags.StringVar(&opts.Name, "name", "simulator", "Name used in log lines")
	return cmd
}

func runSimulate(ctx context.Context, cmd *cobra.Command, opts grabber.Options) error {
	sim := grabber.NewSimulator(opts)
	if err := sim.Start(ctx); err != nil {
		return err
	}
	defer sim.Stop()

	addr := sim.Addr()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Emulated device listening on %s\n", color.CyanString(addr.String()))
	fmt.Fprintf(out, "Network config line: %s\n", color.New(color.Bold).Sprintf("remote 127.0.0.1 0 %s %d", addr.IP, addr.Port))
	fmt.Fprintf(out, "(Running in foreground. Press %s to stop.)\n", color.New(color.FgYellow, color.Bold).Sprint("Ctrl+C"))

	<-ctx.Done()
	fmt.Fprintf(out, "Stopped after %d frame(s)\n", sim.FramesSent())
	return nil
}
