package main

import (
	"os"

	"github.com/psantana5/recogpool/cmd/recogpool/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
