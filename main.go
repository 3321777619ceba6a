package main

import (
	"os"

	"github.com/kferreira/mdpilot/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
