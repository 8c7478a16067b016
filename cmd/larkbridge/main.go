package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/astrolane/larkbridge/internal/version"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "larkbridge",
		Short: "Bridge between Lark messaging and an agent runtime",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the TOML config file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the bridge process",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.GetInfo())
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
