//go:build linux

package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/luxapientia/alphacore/pkg/guest"
)

var guestInitCmd = &cobra.Command{
	Use:    "guest-init",
	Short:  "Run as the microVM init process",
	Hidden: true,
	Run: func(cmd *cobra.Command, args []string) {
		r, err := guest.NewRunner()
		if err != nil {
			// Without a runner there is no result channel; the serial log is
			// all the host gets
			cmd.PrintErrf("guest init failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(r.Main())
	},
}
