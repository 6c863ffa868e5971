package main

import (
	"fmt"
	"os"

	"github.com/rpattn/imgexplorer/internal/cli"
)

func main() {
	if err := cli.NewServerCommand(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
