package main

import (
	"fmt"
	"os"

	"nightpilot/cmd/nightpilot/commands"
)

func main() {
	if err := commands.RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
