// Command dukapos runs the offline-first sync engine for duka
// point-of-sale terminals.
package main

import (
	"fmt"
	"os"

	"github.com/nduati/dukapos/backend/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
