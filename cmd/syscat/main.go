package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/coral-mesh/syscat/internal/cli"
	"github.com/coral-mesh/syscat/internal/cli/trace"
)

func main() {
	if err := cli.Execute(); err != nil {
		var exitErr *trace.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
