package cmd

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/babelcloud/depthstream/config"
	"github.com/babelcloud/depthstream/internal/pipeline"
	"github.com/babelcloud/depthstream/internal/player"
	"github.com/babelcloud/depthstream/internal/server"
	"github.com/babelcloud/depthstream/internal/util"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

type RunOptions struct {
	NetworkConfig string
	MonitorAddr   string
	NoMonitor     bool
	ConnectWait   time.Duration
	Duration      time.Duration
	Plain         bool
}

func NewRunCommand() *cobra.Command {
	opts := &RunOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the devices and stream frames",
		Long: `Load the network config and settings, connect to every device, start reading and run the
consumer loop together with the monitor server until interrupted.`,
		Example: `  depthstream run
  depthstream run --network-config ./network.cfg --monitor-addr :28180
  depthstream run --no-monitor --duration 30s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("network-config") {
				opts.NetworkConfig = config.GetNetworkConfigPath()
			}
			if !cmd.Flags().Changed("monitor-addr") {
				opts.MonitorAddr = config.GetMonitorAddr()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if opts.Duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, opts.Duration)
				defer cancel()
			}
			return runStreaming(ctx, cmd.OutOrStdout(), config.PlayerOptions(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.NetworkConfig, "network-config", "c", "", "Network config file (default from config)")
	flags.StringVar(&opts.MonitorAddr, "monitor-addr", "", "Monitor server address (default from config)")
	flags.BoolVar(&opts.NoMonitor, "no-monitor", false, "Do not start the monitor server")
	flags.DurationVar(&opts.ConnectWait, "connect-wait", 10*time.Second, "How long to wait for devices before reading")
	flags.DurationVar(&opts.Duration, "duration", 0, "Stop after this long (0 runs until interrupted)")
	flags.BoolVar(&opts.Plain, "plain", false, "Print progress lines instead of a spinner")
	return cmd
}

// settingsLoaders pairs configured settings files with their reload method.
var settingsLoaders = []struct {
	key  string
	load func(*player.Player, string) error
}{
	{"device", (*player.Player).UpdateDeviceSettings},
	{"color", (*player.Player).UpdateColorSettings},
	{"filters", (*player.Player).UpdateFiltersSettings},
	{"model", (*player.Player).UpdateModelSettings},
}

func runStreaming(ctx context.Context, out io.Writer, playerOpts player.Options, opts *RunOptions) error {
	logger := util.GetLogger()
	compat := util.GetCompatLogger()

	p := player.New(playerOpts)
	defer p.Close()

	if err := p.Initialize(opts.NetworkConfig); err != nil {
		return errors.Wrapf(err, "failed to initialize devices from %s", opts.NetworkConfig)
	}
	for _, l := range settingsLoaders {
		path := config.GetSettingsPath(l.key)
		if path == "" {
			continue
		}
		if err := l.load(p, path); err != nil {
			return errors.Wrapf(err, "failed to load %s settings", l.key)
		}
		compat.Debugf("Loaded %s settings from %s", l.key, path)
	}

	count := p.DeviceCount()
	connected, err := connectDevices(ctx, p, opts)
	if err != nil {
		logger.Warn("Some devices did not connect", "error", err)
	}
	fmt.Fprintf(out, "%s of %d device(s) connected\n", color.New(color.FgGreen, color.Bold).Sprint(connected), count)
	if ctx.Err() != nil {
		return nil
	}
	p.StartReading()

	b := pipeline.NewBroadcaster()
	loop := server.NewLoop(p, playerOpts.TickInterval, b)

	if !opts.NoMonitor {
		monitor := server.NewMonitorServer(opts.MonitorAddr, loop, b)
		if err := monitor.Start(); err != nil {
			return err
		}
		defer monitor.Stop()
		fmt.Fprintf(out, "Monitor ➜ %s\n", color.CyanString("http://%s/api/devices", monitor.Addr()))
	}
	fmt.Fprintf(out, "(Running in foreground. Press %s to stop.)\n", color.New(color.FgYellow, color.Bold).Sprint("Ctrl+C"))

	if err := loop.Run(ctx); err != nil {
		return err
	}

	// the loop has exited, this goroutine owns the player again
	if err := p.DisconnectFromDevices(); err != nil {
		logger.Warn("Disconnect did not reach every device", "failures", len(multierr.Errors(err)))
	}
	stats := p.Stats()
	fmt.Fprintf(out, "Stopped after %d tick(s)\n", loop.Ticks())
	for _, d := range stats.Devices {
		logger.Info("Device summary", "device", d.Index, "frame_id", d.FrameID, "state", d.State)
	}
	return nil
}

// connectDevices starts every handshake and waits until all devices are
// connected or opts.ConnectWait elapses. It returns the connected count.
func connectDevices(ctx context.Context, p *player.Player, opts *RunOptions) (int, error) {
	count := p.DeviceCount()
	sp := util.NewUISpinner(opts.Plain, fmt.Sprintf("Connecting to %d device(s)...", count))

	connectErr := p.ConnectToDevices()

	deadline := time.NewTimer(opts.ConnectWait)
	defer deadline.Stop()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	connected := countConnected(p)
	for connected < count {
		select {
		case <-ctx.Done():
			sp.Fail("Interrupted while connecting")
			return connected, connectErr
		case <-deadline.C:
			sp.Fail(fmt.Sprintf("%d of %d device(s) connected after %s", connected, count, opts.ConnectWait))
			return connected, connectErr
		case <-ticker.C:
			p.Update()
			connected = countConnected(p)
			sp.Update(fmt.Sprintf("Connecting to devices... %d/%d", connected, count))
		}
	}
	sp.Success("All devices connected")
	return connected, connectErr
}

func countConnected(p *player.Player) int {
	n := 0
	for i := 0; i < p.DeviceCount(); i++ {
		if p.IsConnected(i) {
			n++
		}
	}
	return n
}
