package main

import (
	"os"

	"jp2web/cmd/jp2web/commands"
	"jp2web/internal/logger"

	"github.com/pterm/pterm"
)

func main() {
	err := commands.Root().Execute()
	logger.Sync()
	if err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}
