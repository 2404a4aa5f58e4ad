package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of greenrt",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("greenrt version 0.3.0")
	},
}
