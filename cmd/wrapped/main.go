package main

import (
	"os"

	"plexwrapped/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
