// Package main provides the Loom CLI: lower a traced graph to scheduled
// wrapper code from the command line.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loom-ml/loom/internal/config"
	"github.com/loom-ml/loom/internal/graph"
	"github.com/loom-ml/loom/internal/trace"
)

const version = "v0.1.0-dev"

func main() {
	root := &cobra.Command{
		Use:           "loom",
		Short:         "Loom graph lowering engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(lowerCmd(), versionCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func lowerCmd() *cobra.Command {
	var (
		configPath  string
		dynamic     bool
		showBuffers bool
	)
	cmd := &cobra.Command{
		Use:   "lower <graph.yaml>",
		Short: "Lower a traced graph and print the generated wrapper code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				var err error
				cfg, err = config.Load(configPath)
				if err != nil {
					return err
				}
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			g, err := trace.Decode(f)
			if err != nil {
				return err
			}

			gl := graph.New(g, graph.Options{Config: cfg, DynamicShapes: dynamic})
			if err := gl.Run(); err != nil {
				return err
			}
			res, key, err := gl.Codegen()
			if err != nil {
				return err
			}
			if showBuffers {
				for _, b := range gl.Buffers() {
					fmt.Fprintf(cmd.OutOrStdout(), "# %s %T\n", b.Name(), b)
				}
			}
			fmt.Fprint(cmd.OutOrStdout(), res.Code)
			fmt.Fprintf(cmd.OutOrStdout(), "# artifact %s\n", key)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	cmd.Flags().BoolVar(&dynamic, "dynamic", false, "resolve input shapes symbolically")
	cmd.Flags().BoolVar(&showBuffers, "buffers", false, "print the realized buffer list")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "loom %s\n", version)
		},
	}
}
