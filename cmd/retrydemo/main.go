package main

import (
	"os"

	"retrykit/cmd/retrydemo/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
