package main

import (
	"os"

	"p2p-rate-monitor/cmd/ratesctl/cmd"
)

func main() {
	if err := cmd.NewRoot().Execute(); err != nil {
		os.Exit(1)
	}
}
