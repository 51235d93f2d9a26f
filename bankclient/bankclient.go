// Package bankclient talks to the running parallelator service over D-Bus.
package bankclient

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/TheCacophonyProject/battery-parallelator/bank"
	"github.com/godbus/dbus"
)

const (
	dbusName = "org.cacophony.parallelator"
	dbusPath = "/org/cacophony/parallelator"
)

func call(method string, args ...interface{}) *dbus.Call {
	conn, err := dbus.SystemBus()
	if err != nil {
		return &dbus.Call{Err: err}
	}
	obj := conn.Object(dbusName, dbusPath)
	return obj.Call(dbusName+"."+method, 0, args...)
}

// Tx runs an I2C transaction through the service, queued with the bank's
// own bus traffic.
func Tx(address byte, write []byte, readLen int) ([]byte, error) {
	var response []byte
	if err := call("Tx", address, write, int32(readLen)).Store(&response); err != nil {
		return nil, err
	}
	return response, nil
}

// CheckAddress reports whether a device acknowledges a one byte read.
func CheckAddress(address byte) (bool, error) {
	_, err := Tx(address, nil, 1)
	if err == nil {
		return true, nil
	}
	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) && dbusErr.Name == dbusName+".Tx" {
		return false, nil
	}
	return false, err
}

// Status returns the service's latest bank snapshot.
func Status() (bank.Snapshot, error) {
	var raw string
	if err := call("Status").Store(&raw); err != nil {
		return bank.Snapshot{}, err
	}
	return ParseStatus(raw)
}

func ParseStatus(raw string) (bank.Snapshot, error) {
	var snap bank.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return bank.Snapshot{}, fmt.Errorf("bad status from service: %w", err)
	}
	return snap, nil
}

// Reset clears the lockout of a pack.
func Reset(pack int) error {
	return call("Reset", int32(pack)).Store()
}
