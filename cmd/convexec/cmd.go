package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/born-ml/convexec/internal/envconfig"
)

// appendEnvDocs adds the environment variables a command reads to its usage.
func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-32s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// NewCLI builds the root command.
func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "convexec",
		Short:         "Shape-adaptive convolution runner",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Run: func(cmd *cobra.Command, args []string) {
			if v, _ := cmd.Flags().GetBool("version"); v {
				versionHandler(cmd, args)
				return
			}

			cmd.Print(cmd.UsageString())
		},
	}

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")

	runCmd := newRunCmd()
	benchCmd := newBenchCmd()
	infoCmd := newInfoCmd()
	exportCmd := newExportCmd()

	envVars := envconfig.AsMap()
	providerEnvs := []envconfig.EnvVar{
		envVars["CONVEXEC_CONV_ALGO_SEARCH"],
		envVars["CONVEXEC_CONV_USE_MAX_WORKSPACE"],
		envVars["CONVEXEC_CONV1D_PAD_TO_NC1D"],
		envVars["CONVEXEC_DEVICE_MEMORY"],
		envVars["CONVEXEC_NUM_THREADS"],
		envVars["CONVEXEC_DEBUG"],
	}
	appendEnvDocs(runCmd, providerEnvs)
	appendEnvDocs(benchCmd, providerEnvs)

	rootCmd.AddCommand(
		runCmd,
		benchCmd,
		infoCmd,
		exportCmd,
		newEnvCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Show version information",
			Args:  cobra.NoArgs,
			Run:   versionHandler,
		},
	)

	return rootCmd
}

func versionHandler(cmd *cobra.Command, _ []string) {
	fmt.Fprintf(cmd.OutOrStdout(), "convexec version %s\n", version)
}

func newEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "Show the configuration read from the environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			vars := envconfig.AsMap()
			names := make([]string, 0, len(vars))
			for name := range vars {
				names = append(names, name)
			}
			sort.Strings(names)

			data := make([][]string, 0, len(names))
			for _, name := range names {
				v := vars[name]
				data = append(data, []string{v.Name, fmt.Sprintf("%v", v.Value), v.Description})
			}
			renderTable(cmd.OutOrStdout(), []string{"NAME", "VALUE", "DESCRIPTION"}, data)
			return nil
		},
	}
}

func renderTable(w io.Writer, header []string, data [][]string) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}
