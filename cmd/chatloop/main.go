// Package main provides the entry point for the chatloop CLI.
package main

import (
	"fmt"
	"os"

	"github.com/chatloop-ai/chatloop/cmd/chatloop/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
