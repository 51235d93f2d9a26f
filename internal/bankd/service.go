package bankd

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/TheCacophonyProject/battery-parallelator/layout"
	"github.com/godbus/dbus"
	"github.com/godbus/dbus/introspect"
	"periph.io/x/conn/v3/i2c"
)

const (
	dbusName = "org.cacophony.parallelator"
	dbusPath = "/org/cacophony/parallelator"
)

type service struct {
	ctl *controller
	bus i2c.Bus
}

func startService(ctl *controller, bus i2c.Bus) error {
	log.Info("Starting parallelator dbus service")
	conn, err := dbus.SystemBus()
	if err != nil {
		return err
	}
	reply, err := conn.RequestName(dbusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return err
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return errors.New("name already taken")
	}

	s := &service{
		ctl: ctl,
		bus: bus,
	}
	conn.Export(s, dbusPath, dbusName)
	conn.Export(genIntrospectable(s), dbusPath, "org.freedesktop.DBus.Introspectable")
	return nil
}

func genIntrospectable(v interface{}) introspect.Introspectable {
	node := &introspect.Node{
		Interfaces: []introspect.Interface{{
			Name:    dbusName,
			Methods: introspect.Methods(v),
		}},
	}
	return introspect.NewIntrospectable(node)
}

// Status returns the latest snapshot of the bank as JSON.
func (s *service) Status() (string, *dbus.Error) {
	raw, err := json.Marshal(s.ctl.Snapshot())
	if err != nil {
		return "", dbusErr(err)
	}
	return string(raw), nil
}

// Reset clears the switch attempts of a pack so a locked out pack is
// evaluated again.
func (s *service) Reset(pack int32) *dbus.Error {
	return dbusErr(s.ctl.Reset(int(pack)))
}

/*
Tx can be tested with:
dbus-send --system --print-reply \
--dest=org.cacophony.parallelator \
/org/cacophony/parallelator \
org.cacophony.parallelator.Tx \
byte:0x40 \
array:byte:0x3e \
int32:2
*/

const maxReadLen = 32

var errReadOnlyDevice = errors.New("bank devices only accept register reads")

// bankDevice reports whether addr is a sensor or expander the supervisor
// drives. Writing to them would bypass the pack state machine.
func bankDevice(addr uint16) bool {
	for _, a := range append(layout.SensorAddresses(), layout.ExpanderAddresses()...) {
		if a == addr {
			return true
		}
	}
	return false
}

// Tx runs a raw I2C transaction, queued with the bank's own traffic. Bank
// devices may only be read: the write is limited to the register pointer.
func (s *service) Tx(address byte, write []byte, readLen int32) ([]byte, *dbus.Error) {
	if readLen < 0 || readLen > maxReadLen {
		return nil, dbusErr(fmt.Errorf("read length %d outside 0..%d", readLen, maxReadLen))
	}
	if len(write) > 1 && bankDevice(uint16(address)) {
		return nil, dbusErr(fmt.Errorf("0x%02x: %w", address, errReadOnlyDevice))
	}
	read := make([]byte, readLen)
	if err := s.bus.Tx(uint16(address), write, read); err != nil {
		log.Debugf("Tx to 0x%02x failed: %v", address, err)
		return nil, dbusErr(err)
	}
	return read, nil
}

func dbusErr(err error) *dbus.Error {
	if err == nil {
		return nil
	}
	return &dbus.Error{
		Name: dbusName + "." + getCallerName(),
		Body: []interface{}{err.Error()},
	}
}

func getCallerName() string {
	fpcs := make([]uintptr, 1)
	n := runtime.Callers(3, fpcs)
	if n == 0 {
		return ""
	}
	caller := runtime.FuncForPC(fpcs[0] - 1)
	if caller == nil {
		return ""
	}
	funcNames := strings.Split(caller.Name(), ".")
	return funcNames[len(funcNames)-1]
}
