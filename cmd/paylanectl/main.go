package main

import (
	"os"

	"Paylane/cmd/paylanectl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
