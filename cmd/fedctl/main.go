package main

import (
	"os"

	"fedstate/cmd/fedctl/commands"
)

var version = "dev"

func main() {
	// errors are printed by the commands package
	if err := commands.Execute(version); err != nil {
		os.Exit(1)
	}
}
