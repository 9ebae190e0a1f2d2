package main

import (
	"context"
	"fmt"
	"os"

	"github.com/davicafu/fleetguard/internal/cli"
)

// ---------------- Main ----------------
func main() {
	if err := cli.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "fleetguard:", err)
		os.Exit(1)
	}
}
