package i2ctool

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/TheCacophonyProject/battery-parallelator/bankclient"
	"github.com/TheCacophonyProject/battery-parallelator/layout"
	"github.com/TheCacophonyProject/go-utils/logging"
	"github.com/alexflint/go-arg"
)

var version = "<not set>"
var log = logging.NewLogger("info")

type Args struct {
	Write *Write      `arg:"subcommand:write" help:"Write to a register. Bank sensors and expanders are read-only."`
	Read  *Read       `arg:"subcommand:read"  help:"Read from a register."`
	Find  *Find       `arg:"subcommand:find"  help:"Find i2c devices."`
	Scan  *subcommand `arg:"subcommand:scan"  help:"Look for every sensor and expander the bank can use."`
	logging.LogArgs
}

type subcommand struct {
}

type Find struct {
	Address string `arg:"required" help:"The address of the device you want to find, in hex (0xnn)"`
}

type Write struct {
	Address string `arg:"required" help:"The address you want to write to, in hex (0xnn)"`
	Reg     string `arg:"required" help:"The Register you want to write to, in hex (0xnn)"`
	Val     string `arg:"required" help:"The value you want to write, in hex (0xnnnn for a 16 bit register)"`
}

type Read struct {
	Address string `arg:"required" help:"The address you want to read from, in hex (0xnn)"`
	Reg     string `arg:"required" help:"The Register you want to read from, in hex (0xnn)"`
	Len     int    `arg:"--len" default:"2" help:"Number of bytes to read"`
}

var defaultArgs = Args{}

// tx is replaced in tests.
var tx = bankclient.Tx

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
	case args.Write != nil:
		return write(args.Write)
	case args.Read != nil:
		return read(args.Read)
	case args.Find != nil:
		return find(args.Find)
	case args.Scan != nil:
		return scan()
	}
	return nil
}

func find(find *Find) error {
	address, err := hexStringToByte(find.Address)
	if err != nil {
		return err
	}

	log.Printf("Finding address 0x%X", address)
	found, err := bankclient.CheckAddress(address)
	if err != nil {
		log.Errorf("Error checking for device: %v", err)
	}
	if found {
		log.Printf("Found device at address 0x%X", address)
	} else {
		log.Printf("Did not find device at address 0x%X", address)
	}
	return nil
}

// scan probes the sensor and expander address ranges.
func scan() error {
	addrs := append(layout.SensorAddresses(), layout.ExpanderAddresses()...)
	for _, addr := range addrs {
		found, err := bankclient.CheckAddress(byte(addr))
		if err != nil {
			return err
		}
		if found {
			log.Printf("Found device at address 0x%02X", addr)
		}
	}
	return nil
}

func read(read *Read) error {
	reg, err := hexStringToByte(read.Reg)
	if err != nil {
		return err
	}
	address, err := hexStringToByte(read.Address)
	if err != nil {
		return err
	}
	if read.Len < 1 {
		return fmt.Errorf("invalid read length: %d", read.Len)
	}

	log.Printf("Reading register 0x%X", reg)
	response, err := tx(address, []byte{reg}, read.Len)
	if err != nil {
		return err
	}
	log.Printf("0x%X", response)
	return nil
}

func write(args *Write) error {
	reg, err := hexStringToByte(args.Reg)
	if err != nil {
		return err
	}
	val, err := hexStringToBytes(args.Val)
	if err != nil {
		return err
	}
	address, err := hexStringToByte(args.Address)
	if err != nil {
		return err
	}

	log.Printf("Writing 0x%X to register 0x%X", val, reg)
	_, err = tx(address, append([]byte{reg}, val...), 0)
	return err
}

func hexStringToByte(hexStr string) (byte, error) {
	if len(hexStr) != 4 {
		return 0, fmt.Errorf("invalid hex string length: %d", len(hexStr))
	}
	b, err := hexStringToBytes(hexStr)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// hexStringToBytes parses 0xnn or 0xnnnn, most significant byte first as
// the sensors and expanders expect it.
func hexStringToBytes(hexStr string) ([]byte, error) {
	if !strings.HasPrefix(hexStr, "0x") {
		return nil, fmt.Errorf("invalid hex string prefix, should be '0x': %s", hexStr)
	}
	digits := hexStr[2:]
	if len(digits) != 2 && len(digits) != 4 {
		return nil, fmt.Errorf("invalid hex string length: %d", len(hexStr))
	}
	val, err := strconv.ParseUint(digits, 16, 16)
	if err != nil {
		return nil, err
	}
	if len(digits) == 2 {
		return []byte{byte(val)}, nil
	}
	return []byte{byte(val >> 8), byte(val)}, nil
}
