// overstory is the CLI for orchestrating agent sessions in tmux panes.
package main

import (
	"os"

	"github.com/overstory-ai/overstory/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
