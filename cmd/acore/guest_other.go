//go:build !linux

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var guestInitCmd = &cobra.Command{
	Use:    "guest-init",
	Short:  "Run as the microVM init process",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return fmt.Errorf("guest-init only runs inside a Linux microVM")
	},
}
