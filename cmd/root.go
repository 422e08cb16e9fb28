package cmd

import (
	"fmt"

	"github.com/babelcloud/depthstream/config"
	"github.com/babelcloud/depthstream/internal/util"
	"github.com/babelcloud/depthstream/internal/version"
	"github.com/spf13/cobra"
)

var (
	verbose bool

	rootCmd = &cobra.Command{
		Use:   "depthstream",
		Short: "Multi-device depth streaming coordinator",
		Long: `depthstream connects to local and remote depth devices, keeps the latest frame of each one and
serves them to a consumer loop. It also inspects settings files and emulates remote devices.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			util.InitLogger(verbose || util.IsVerbose())
			util.SetupGlobalLogger()
			if file := config.GetConfigFile(); file != "" {
				util.GetLogger().Debug("Using config file", "path", file)
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flag("version").Changed {
				info := version.ClientInfo()
				fmt.Fprintf(cmd.OutOrStdout(), "depthstream version %s, build %s\n", info["Version"], info["GitCommit"])
				return nil
			}
			return cmd.Help()
		},
	}
)

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Flags().BoolP("version", "v", false, "Print version information and exit")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable debug logging")

	rootCmd.AddCommand(NewRunCommand())
	rootCmd.AddCommand(NewDevicesCommand())
	rootCmd.AddCommand(NewSettingsCommand())
	rootCmd.AddCommand(NewSimulateCommand())
	rootCmd.AddCommand(NewVersionCommand())

	setupHelpCommand(rootCmd)
}
