package main

import (
	"os"

	"Hearth/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
