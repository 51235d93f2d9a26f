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
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/TheCacophonyProject/battery-parallelator/bank"
	"github.com/TheCacophonyProject/battery-parallelator/hwbus"
	"github.com/TheCacophonyProject/battery-parallelator/ina237"
	"github.com/TheCacophonyProject/battery-parallelator/internal/ahcounter"
	"github.com/TheCacophonyProject/battery-parallelator/internal/datalog"
	"github.com/TheCacophonyProject/battery-parallelator/internal/hardware"
	"github.com/TheCacophonyProject/battery-parallelator/internal/mqttpub"
	"github.com/TheCacophonyProject/battery-parallelator/internal/webui"
	"github.com/TheCacophonyProject/event-reporter/v3/eventclient"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// Replaced in tests.
var (
	addEvent = eventclient.AddEvent
	now      = time.Now
)

// supervisor is what the controller needs from the bank.
type supervisor interface {
	Tick() (bank.TickReport, error)
	Snapshot() bank.Snapshot
	Reset(id int) error
}

// controller owns the bank for the service and turns what the bank reports
// into log lines and events.
type controller struct {
	bank supervisor

	mu      sync.Mutex
	failing map[int]bool
}

func newController(b supervisor) *controller {
	return &controller{
		bank:    b,
		failing: map[int]bool{},
	}
}

func (c *controller) Snapshot() bank.Snapshot {
	return c.bank.Snapshot()
}

func (c *controller) Reset(packID int) error {
	if err := c.bank.Reset(packID); err != nil {
		return err
	}
	log.Infof("Pack %d reset", packID)
	reportEvent("batteryPackReset", map[string]interface{}{
		"pack": packID,
	})
	return nil
}

func (c *controller) tick() {
	report, _ := c.bank.Tick()
	c.handleReport(report)
}

func (c *controller) handleReport(report bank.TickReport) {
	if agg := report.Aggregate; !agg.Empty() {
		avg, _ := agg.AverageVoltage()
		log.Debugf("Read %d packs: %.3fV min, %.3fV max, %.3fV avg, %d connected",
			agg.Packs, agg.MinVoltage, agg.MaxVoltage, avg, agg.ConnectedPacks())
	}
	for _, t := range report.Transitions {
		switch t.To {
		case bank.PhaseLocked:
			log.Warnf("Locked out %s", t)
			reportEvent("batteryPackLockout", map[string]interface{}{
				"pack":     t.PackID,
				"reason":   t.Reason.String(),
				"attempts": t.Attempts,
			})
		case bank.PhaseCooldown:
			log.Infof("Disconnected %s", t)
		default:
			log.Infof("%s", t)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	failed := map[int]bool{}
	for _, err := range report.Errors {
		var pe *bank.PackError
		if !errors.As(err, &pe) {
			log.Error(err)
			continue
		}
		failed[pe.PackID] = true
		if c.failing[pe.PackID] {
			log.Debug(err)
			continue
		}
		log.Error(err)
		reportEvent("batteryPackHardwareError", map[string]interface{}{
			"pack":  pe.PackID,
			"op":    pe.Op,
			"error": pe.Err.Error(),
		})
	}
	for id := range c.failing {
		if !failed[id] {
			log.Infof("Pack %d hardware recovered", id)
		}
	}
	c.failing = failed
}

func reportEvent(eventType string, details map[string]interface{}) {
	err := addEvent(eventclient.Event{
		Timestamp: now(),
		Type:      eventType,
		Details:   details,
	})
	if err != nil {
		log.Errorf("Error sending %s event: %v", eventType, err)
	}
}

func runService(conf *Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Debug("Initializing host")
	if _, err := host.Init(); err != nil {
		return err
	}
	raw, err := i2creg.Open(conf.I2CBus)
	if err != nil {
		return err
	}
	defer raw.Close()
	if err := raw.SetSpeed(conf.BusSpeed); err != nil {
		log.Warnf("Failed to set I2C bus speed to %s: %v", conf.BusSpeed, err)
	}
	bus := hwbus.New(raw, log)
	defer bus.Close()

	hw, err := hardware.Discover(bus, &ina237.Opts{
		ShuntMicroOhms: conf.ShuntMicroOhms,
		MaxCurrentAmps: conf.SensorMaxCurrent,
	})
	if hw == nil {
		return err
	}
	excluded := make([]string, 0, len(hw.Excluded))
	for _, e := range hw.Excluded {
		log.Warnf("Excluding %s", e)
		excluded = append(excluded, e.String())
		reportEvent("batteryPackExcluded", map[string]interface{}{
			"sensor": int(e.Sensor),
			"error":  e.Err.Error(),
		})
	}
	if err != nil {
		return err
	}
	log.Infof("Found %d packs", len(hw.Layout.Channels))
	if err := hw.Init(conf.Bank); err != nil {
		return err
	}

	b, err := bank.NewBankSupervisor(conf.Bank, hw.Layout.PackIDs(), hw.Telemetry(), hw.Switches(), bank.WithExcluded(excluded...))
	if err != nil {
		return err
	}
	if err := b.Init(); err != nil {
		return err
	}
	ctl := newController(b)

	counter := ahcounter.New(hw.Telemetry(), b, b.PackIDs(), log)
	var logs webui.LogSource
	store, err := datalog.Open(conf.LogPath)
	if err != nil {
		log.Errorf("Pack logging disabled: %v", err)
	} else {
		defer store.Close()
		logs = store
		last, err := store.LastAmpereHours(ctx)
		if err != nil {
			log.Errorf("Failed to restore Ah totals: %v", err)
		}
		for id, ah := range last {
			counter.Restore(id, ah)
		}
	}

	if err := startService(ctl, bus); err != nil {
		return err
	}

	var wg sync.WaitGroup
	run := func(f func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f()
		}()
	}
	run(func() { counter.Run(ctx, conf.AhInterval) })
	if store != nil {
		run(func() { store.Run(ctx, conf.LogInterval, ctl.Snapshot, log) })
	}
	if conf.WebAddress != "" {
		srv := webui.New(ctl, logs, log, conf.WebPushInterval)
		run(func() {
			if err := srv.Run(ctx, conf.WebAddress); err != nil {
				log.Errorf("Web interface stopped: %v", err)
			}
		})
	}
	if conf.MQTT.Broker != "" {
		pub, client, err := mqttpub.Connect(conf.MQTT, ctl, log)
		if err != nil {
			log.Error(err)
		} else {
			defer client.Disconnect(250)
			run(func() { pub.Run(ctx, conf.MQTTInterval) })
		}
	}

	ticker := time.NewTicker(conf.TickInterval)
	defer ticker.Stop()
	for {
		ctl.tick()
		select {
		case <-ctx.Done():
			log.Info("Stopping, contactors are left as they are")
			wg.Wait()
			return nil
		case <-ticker.C:
		}
	}
}
