// Command etl runs the economic statistics pipeline and its query surfaces.
package main

import (
	"fmt"
	"os"

	"econstats/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
