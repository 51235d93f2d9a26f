package bankd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/TheCacophonyProject/battery-parallelator/bank"
	"github.com/TheCacophonyProject/battery-parallelator/bankclient"
	"github.com/chzyer/readline"
)

var errQuit = errors.New("quit")

// backend is the service as seen by the status, reset and console commands.
type backend interface {
	Status() (bank.Snapshot, error)
	Reset(pack int) error
}

// dbusBackend reaches the running service over D-Bus.
type dbusBackend struct{}

func (dbusBackend) Status() (bank.Snapshot, error) {
	return bankclient.Status()
}

func (dbusBackend) Reset(pack int) error {
	return bankclient.Reset(pack)
}

func runConsole(b backend) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "bank> ",
		HistoryFile:     filepath.Join(os.TempDir(), "parallelator-history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	printHelp(rl.Stdout())
	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			return nil
		}
		if err := handleCommand(rl.Stdout(), b, line); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			fmt.Fprintf(rl.Stderr(), "Error: %v\n", err)
		}
	}
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  status, s           show every pack")
	fmt.Fprintln(w, "  pack <id>, p <id>   show one pack")
	fmt.Fprintln(w, "  reset <id>          clear the lockout of a pack")
	fmt.Fprintln(w, "  help, ?             show this help")
	fmt.Fprintln(w, "  quit, exit, q       leave the console")
}

func handleCommand(w io.Writer, b backend, line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		printHelp(w)
		return nil
	case "quit", "exit", "q":
		return errQuit
	case "status", "s":
		snap, err := b.Status()
		if err != nil {
			return err
		}
		return formatStatus(w, snap)
	case "pack", "p":
		id, err := packArg(args)
		if err != nil {
			return err
		}
		snap, err := b.Status()
		if err != nil {
			return err
		}
		p, ok := snap.Pack(id)
		if !ok {
			return fmt.Errorf("%w: %d", bank.ErrUnknownPack, id)
		}
		snap.Packs = []bank.PackStatus{p}
		snap.Excluded = nil
		return formatStatus(w, snap)
	case "reset":
		id, err := packArg(args)
		if err != nil {
			return err
		}
		if err := b.Reset(id); err != nil {
			return err
		}
		fmt.Fprintf(w, "Pack %d reset\n", id)
		return nil
	}
	return fmt.Errorf("unknown command %q, try help", cmd)
}

func packArg(args []string) (int, error) {
	if len(args) != 1 {
		return 0, errors.New("expected one pack id")
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("invalid pack id %q", args[0])
	}
	return id, nil
}
