package main

import (
	"os"

	"github.com/meridian-labs/contactd/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
