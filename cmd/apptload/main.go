package main

import (
	"fmt"
	"os"

	"github.com/wesleyorama2/apptload/internal/cli"
)

// Main is the entry point for the application
// It's exported to make it testable
func Main() int {
	err := cli.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return cli.ExitCode(err)
}

func main() {
	os.Exit(Main())
}
