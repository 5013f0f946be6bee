package main

import (
	"os"

	"github.com/hindsight-dev/hindsight/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
