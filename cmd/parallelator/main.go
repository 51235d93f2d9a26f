package main

import (
	"fmt"
	"os"

	"github.com/TheCacophonyProject/battery-parallelator/internal/bankd"
	"github.com/TheCacophonyProject/battery-parallelator/internal/i2ctool"
	"github.com/TheCacophonyProject/go-utils/logging"
)

var log *logging.Logger

func main() {
	err := runMain()
	if err != nil {
		log.Fatal(err)
	}
}

var version = "<not set>"

func runMain() error {
	log = logging.NewLogger("info")
	if len(os.Args) < 2 {
		log.Info("Usage: parallelator <bank|i2c> [args]")
		return fmt.Errorf("no subcommand given")
	}

	subcommand := os.Args[1]
	args := os.Args[2:]

	var err error
	switch subcommand {
	case "bank":
		err = bankd.Run(args, version)
	case "i2c":
		err = i2ctool.Run(args, version)
	default:
		err = fmt.Errorf("unknown subcommand: %s", subcommand)
	}

	return err
}
