package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/babelcloud/depthstream/internal/settings"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type SettingsOptions struct {
	Kind         string
	Count        int
	OutputFormat string
}

func NewSettingsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Inspect and convert settings files",
		Long:  "Inspect and convert device, color, filters, model and delay settings files between the binary and TOML forms",
	}

	cmd.AddCommand(newSettingsShowCommand())
	cmd.AddCommand(newSettingsConvertCommand())
	cmd.AddCommand(newSettingsDefaultsCommand())
	return cmd
}

func newSettingsShowCommand() *cobra.Command {
	opts := &SettingsOptions{}

	cmd := &cobra.Command{
		Use:   "show <file>",
		Short: "Print the records of a settings file",
		Example: `  depthstream settings show color.bin
  depthstream settings show model.toml --kind model
  depthstream settings show filters.bin --output json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, records, err := loadSettings(args[0], opts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.OutputFormat == "json" {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]interface{}{"kind": kind.String(), "records": records})
			}

			data, err := settings.MarshalText(records)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "# %s: %d %s record(s)\n", args[0], len(records), color.New(color.FgCyan).Sprint(kind))
			_, err = out.Write(data)
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.Kind, "kind", "k", "", "Expected settings kind")
	flags.StringVarP(&opts.OutputFormat, "output", "o", "toml", "Output format (json or toml)")
	registerKindCompletion(cmd)
	cmd.RegisterFlagCompletionFunc("output", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"json", "toml"}, cobra.ShellCompDirectiveNoFileComp
	})
	return cmd
}

func newSettingsConvertCommand() *cobra.Command {
	opts := &SettingsOptions{}

	cmd := &cobra.Command{
		Use:   "convert <in> <out>",
		Short: "Convert a settings file between binary and TOML forms",
		Long: `Convert a settings file. The form of each file is picked from its extension: .toml is text,
anything else is binary. With --count the output holds exactly that many records, padded with defaults.`,
		Example: `  depthstream settings convert color.bin color.toml
  depthstream settings convert model.toml model.bin --kind model --count 4`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, records, err := loadSettings(args[0], opts)
			if err != nil {
				return err
			}
			if err := settings.SaveAllToFile(args[1], records); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d %s record(s) to %s\n", len(records), kind, color.GreenString("%s", args[1]))
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.Kind, "kind", "k", "", "Expected settings kind")
	flags.IntVarP(&opts.Count, "count", "n", 0, "Number of records to write (0 keeps the file's count)")
	registerKindCompletion(cmd)
	return cmd
}

func newSettingsDefaultsCommand() *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "defaults <kind> <out>",
		Short: "Write a settings file holding default records",
		Example: `  depthstream settings defaults filters filters.toml --count 3`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := settings.ParseKind(args[0])
			if err != nil {
				return err
			}
			if count <= 0 {
				return errors.New("count must be positive")
			}
			if err := settings.SaveAllToFile(args[1], settings.Defaults(kind, count)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d default %s record(s) to %s\n", count, kind, color.GreenString("%s", args[1]))
			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of records")
	return cmd
}

func loadSettings(path string, opts *SettingsOptions) (settings.Kind, []settings.Record, error) {
	if opts.Kind == "" {
		if opts.Count > 0 {
			return 0, nil, errors.New("--count requires --kind")
		}
		return settings.Load(path)
	}

	kind, err := settings.ParseKind(opts.Kind)
	if err != nil {
		return 0, nil, err
	}
	if opts.Count > 0 {
		records, err := settings.LoadAllFromFile(kind, path, opts.Count)
		return kind, records, err
	}

	fileKind, records, err := settings.Load(path)
	if err != nil {
		return 0, nil, err
	}
	if fileKind != kind {
		return 0, nil, errors.Wrapf(settings.ErrConfig, "%s holds %s settings, expected %s", path, fileKind, kind)
	}
	return kind, records, nil
}

func registerKindCompletion(cmd *cobra.Command) {
	cmd.RegisterFlagCompletionFunc("kind", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		names := make([]string, 0, len(settings.Kinds))
		for _, k := range settings.Kinds {
			names = append(names, k.String())
		}
		return names, cobra.ShellCompDirectiveNoFileComp
	})
}
