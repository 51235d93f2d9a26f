/*
battery-parallelator - Supervises a bank of parallel battery packs
Copyright (C) 2026, The Cacophony Project

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

package bankd

import (
	"errors"
	"fmt"
	"os"

	"github.com/TheCacophonyProject/go-config"
	"github.com/TheCacophonyProject/go-utils/logging"
	"github.com/alexflint/go-arg"
)

type Args struct {
	Service   *subcommand `arg:"subcommand:service" help:"Start supervising the bank and the dbus service."`
	Status    *subcommand `arg:"subcommand:status"  help:"Print the status of every pack."`
	Reset     *Reset      `arg:"subcommand:reset"   help:"Clear the lockout of a pack."`
	Console   *subcommand `arg:"subcommand:console" help:"Start an interactive console."`
	ConfigDir string      `arg:"-c,--config" help:"path to configuration directory"`
	logging.LogArgs
}

type subcommand struct {
}

type Reset struct {
	Pack int `arg:"--pack,required" help:"The pack to reset."`
}

var (
	log     = logging.NewLogger("info")
	version = "<not set>"
)

var defaultArgs = Args{
	ConfigDir: config.DefaultConfigDir,
}

func procArgs(input []string) (Args, error) {
	args := defaultArgs

	parser, err := arg.NewParser(arg.Config{}, &args)
	if err != nil {
		return Args{}, err
	}
	err = parser.Parse(input)
	if errors.Is(err, arg.ErrHelp) {
		parser.WriteHelp(os.Stdout)
		os.Exit(0)
	}
	if errors.Is(err, arg.ErrVersion) {
		fmt.Println(version)
		os.Exit(0)
	}
	return args, err
}

func Run(inputArgs []string, ver string) error {
	version = ver
	args, err := procArgs(inputArgs)
	if err != nil {
		return fmt.Errorf("failed to parse args: %v", err)
	}

	log = logging.NewLogger(args.LogLevel)

	log.Infof("Running version: %s", version)

	switch {
	case args.Service != nil:
		conf, err := LoadConfig(args.ConfigDir)
		if err != nil {
			return err
		}
		return runService(conf)
	case args.Status != nil:
		snap, err := dbusBackend{}.Status()
		if err != nil {
			return err
		}
		return formatStatus(os.Stdout, snap)
	case args.Reset != nil:
		if err := (dbusBackend{}).Reset(args.Reset.Pack); err != nil {
			return err
		}
		log.Infof("Reset pack %d", args.Reset.Pack)
		return nil
	case args.Console != nil:
		return runConsole(dbusBackend{})
	}
	return errors.New("no subcommand given")
}
