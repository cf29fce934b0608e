package main

import (
	"os"

	"github.com/meow-io/go-identd/cmd/identd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
