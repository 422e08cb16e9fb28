package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/babelcloud/depthstream/config"
	"github.com/babelcloud/depthstream/internal/network"
	"github.com/babelcloud/depthstream/internal/util"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

type DevicesOptions struct {
	OutputFormat string
}

func NewDevicesCommand() *cobra.Command {
	opts := &DevicesOptions{}

	cmd := &cobra.Command{
		Use:   "devices [network-config]",
		Short: "List the devices of a network config",
		Long:  "Parse a network config and print the resolved descriptor of every device",
		Example: `  depthstream devices
  depthstream devices ./network.cfg
  depthstream devices ./network.cfg --output json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.GetNetworkConfigPath()
			if len(args) == 1 {
				path = args[0]
			}
			return runDevices(cmd, path, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.OutputFormat, "output", "o", "text", "Output format (json or text)")
	cmd.RegisterFlagCompletionFunc("output", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"json", "text"}, cobra.ShellCompDirectiveNoFileComp
	})
	return cmd
}

func runDevices(cmd *cobra.Command, path string, opts *DevicesOptions) error {
	descs, err := network.LoadDescriptors(path, network.HostInterfaceAddress)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if opts.OutputFormat == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(descs)
	}

	rows := make([]map[string]interface{}, 0, len(descs))
	for _, d := range descs {
		row := map[string]interface{}{
			"index": d.Index,
			"type":  color.New(color.FgGreen).Sprint("local"),
		}
		if !d.Local {
			row["type"] = color.New(color.FgCyan).Sprint("remote")
			row["reading"] = d.ReadingEndpoint()
			row["sending"] = d.SendingEndpoint()
			if d.ReadingInterface >= 0 {
				row["interface"] = d.ReadingInterface
			} else {
				row["interface"] = color.New(color.Faint).Sprint("literal")
			}
		}
		rows = append(rows, row)
	}

	util.RenderTable(out, []util.TableColumn{
		{Header: "INDEX", Key: "index"},
		{Header: "TYPE", Key: "type"},
		{Header: "INTERFACE", Key: "interface"},
		{Header: "READING", Key: "reading"},
		{Header: "SENDING", Key: "sending"},
	}, rows)
	fmt.Fprintf(out, "\n%d device(s) in %s\n", len(descs), path)
	return nil
}
