package main

import (
	"os"

	"github.com/nhirsama/picolog/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
