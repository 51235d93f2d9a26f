package bankd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/TheCacophonyProject/battery-parallelator/bank"
	"github.com/TheCacophonyProject/battery-parallelator/internal/mqttpub"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"periph.io/x/conn/v3/physic"
)

const configName = "parallelator"

// Config is everything the service reads from parallelator.toml and the
// .env file next to it.
type Config struct {
	Bank         bank.Config
	TickInterval time.Duration

	I2CBus           string
	BusSpeed         physic.Frequency
	ShuntMicroOhms   uint32
	SensorMaxCurrent float64

	AhInterval time.Duration

	LogPath     string
	LogInterval time.Duration

	WebAddress      string
	WebPushInterval time.Duration

	MQTT         mqttpub.Config
	MQTTInterval time.Duration
}

// Keys of the pack limits, shared by [bank] and the [packs.<id>] overrides.
const (
	keyMinVoltage          = "min-voltage-mv"
	keyMaxVoltage          = "max-voltage-mv"
	keyMaxCurrent          = "max-current-ma"
	keyMaxChargeCurrent    = "max-charge-current-ma"
	keyMaxDischargeCurrent = "max-discharge-current-ma"
	keyVoltageDiff         = "voltage-diff-mv"
	keyCurrentDiff         = "current-diff-ma"
	keyMaxSwitchAttempts   = "max-switch-attempts"
	keyReconnectDelay      = "reconnect-delay"
)

func setDefaults(v *viper.Viper) {
	d := bank.DefaultPackConfig()
	v.SetDefault("bank.tick-interval", 500*time.Millisecond)
	v.SetDefault("bank."+keyMinVoltage, int(d.MinVoltage))
	v.SetDefault("bank."+keyMaxVoltage, int(d.MaxVoltage))
	v.SetDefault("bank."+keyMaxCurrent, int(d.MaxCurrent))
	v.SetDefault("bank."+keyMaxChargeCurrent, int(d.MaxChargeCurrent))
	v.SetDefault("bank."+keyVoltageDiff, int(d.VoltageDiffLimit))
	v.SetDefault("bank."+keyCurrentDiff, int(d.CurrentDiffLimit))
	v.SetDefault("bank."+keyMaxSwitchAttempts, int(d.MaxSwitchAttempts))
	v.SetDefault("bank."+keyReconnectDelay, d.ReconnectDelay)

	v.SetDefault("i2c.bus", "")
	v.SetDefault("i2c.speed-khz", 50)
	v.SetDefault("i2c.shunt-micro-ohms", 2000)
	v.SetDefault("i2c.max-current-a", 50.0)

	v.SetDefault("ah.interval", time.Second)

	v.SetDefault("datalog.path", "/var/lib/parallelator/pack_log.db")
	v.SetDefault("datalog.interval", 10*time.Second)

	v.SetDefault("web.address", ":8080")
	v.SetDefault("web.push-interval", time.Second)

	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.client-id", "parallelator")
	v.SetDefault("mqtt.prefix", "parallelator")
	v.SetDefault("mqtt.interval", 10*time.Second)
}

// LoadConfig reads the config from dir. A missing file gives the defaults.
func LoadConfig(dir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName(configName)
	v.SetConfigType("toml")
	v.AddConfigPath(dir)
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		log.Infof("No %s config in %s, using defaults", configName, dir)
	}

	envFile := filepath.Join(dir, ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	c := &Config{
		TickInterval:     v.GetDuration("bank.tick-interval"),
		I2CBus:           v.GetString("i2c.bus"),
		BusSpeed:         physic.Frequency(v.GetInt("i2c.speed-khz")) * physic.KiloHertz,
		ShuntMicroOhms:   v.GetUint32("i2c.shunt-micro-ohms"),
		SensorMaxCurrent: v.GetFloat64("i2c.max-current-a"),
		AhInterval:       v.GetDuration("ah.interval"),
		LogPath:          v.GetString("datalog.path"),
		LogInterval:      v.GetDuration("datalog.interval"),
		WebAddress:       v.GetString("web.address"),
		WebPushInterval:  v.GetDuration("web.push-interval"),
		MQTT: mqttpub.Config{
			Broker:   v.GetString("mqtt.broker"),
			ClientID: v.GetString("mqtt.client-id"),
			Prefix:   v.GetString("mqtt.prefix"),
			Username: os.Getenv("MQTT_USERNAME"),
			Password: os.Getenv("MQTT_PASSWORD"),
		},
		MQTTInterval: v.GetDuration("mqtt.interval"),
	}

	c.Bank.Default = packConfig(v, "bank.")
	if !v.IsSet("bank." + keyMaxDischargeCurrent) {
		c.Bank.Default.MaxDischargeCurrent = c.Bank.Default.MaxCurrent
	}
	overrides, err := packOverrides(v)
	if err != nil {
		return nil, err
	}
	c.Bank.Overrides = overrides

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func packConfig(v *viper.Viper, prefix string) bank.PackConfig {
	return bank.PackConfig{
		MinVoltage:          bank.Millivolts(v.GetInt32(prefix + keyMinVoltage)),
		MaxVoltage:          bank.Millivolts(v.GetInt32(prefix + keyMaxVoltage)),
		MaxCurrent:          bank.Milliamps(v.GetInt32(prefix + keyMaxCurrent)),
		MaxChargeCurrent:    bank.Milliamps(v.GetInt32(prefix + keyMaxChargeCurrent)),
		MaxDischargeCurrent: bank.Milliamps(v.GetInt32(prefix + keyMaxDischargeCurrent)),
		VoltageDiffLimit:    bank.Millivolts(v.GetInt32(prefix + keyVoltageDiff)),
		CurrentDiffLimit:    bank.Milliamps(v.GetInt32(prefix + keyCurrentDiff)),
		MaxSwitchAttempts:   v.GetUint32(prefix + keyMaxSwitchAttempts),
		ReconnectDelay:      v.GetDuration(prefix + keyReconnectDelay),
	}
}

// packOverrides reads the [packs.<id>] tables.
func packOverrides(v *viper.Viper) (map[int]bank.PackOverride, error) {
	out := map[int]bank.PackOverride{}
	for key := range v.GetStringMap("packs") {
		id, err := strconv.Atoi(key)
		if err != nil || id < 0 {
			return nil, fmt.Errorf("invalid pack id %q in config", key)
		}
		prefix := "packs." + key + "."
		var o bank.PackOverride
		o.MinVoltage = millivolts(v, prefix+keyMinVoltage)
		o.MaxVoltage = millivolts(v, prefix+keyMaxVoltage)
		o.MaxCurrent = milliamps(v, prefix+keyMaxCurrent)
		o.MaxChargeCurrent = milliamps(v, prefix+keyMaxChargeCurrent)
		o.MaxDischargeCurrent = milliamps(v, prefix+keyMaxDischargeCurrent)
		if o.MaxDischargeCurrent == nil && o.MaxCurrent != nil {
			o.MaxDischargeCurrent = o.MaxCurrent
		}
		o.VoltageDiffLimit = millivolts(v, prefix+keyVoltageDiff)
		o.CurrentDiffLimit = milliamps(v, prefix+keyCurrentDiff)
		if v.IsSet(prefix + keyMaxSwitchAttempts) {
			n := v.GetUint32(prefix + keyMaxSwitchAttempts)
			o.MaxSwitchAttempts = &n
		}
		if v.IsSet(prefix + keyReconnectDelay) {
			d := v.GetDuration(prefix + keyReconnectDelay)
			o.ReconnectDelay = &d
		}
		out[id] = o
	}
	return out, nil
}

func millivolts(v *viper.Viper, key string) *bank.Millivolts {
	if !v.IsSet(key) {
		return nil
	}
	mv := bank.Millivolts(v.GetInt32(key))
	return &mv
}

func milliamps(v *viper.Viper, key string) *bank.Milliamps {
	if !v.IsSet(key) {
		return nil
	}
	ma := bank.Milliamps(v.GetInt32(key))
	return &ma
}

func (c *Config) Validate() error {
	if err := c.Bank.Default.Validate(); err != nil {
		return err
	}
	for id := range c.Bank.Overrides {
		if err := c.Bank.ForPack(id).Validate(); err != nil {
			return fmt.Errorf("pack %d: %w", id, err)
		}
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("%w: tick interval must be positive", bank.ErrInvalidConfig)
	}
	if c.AhInterval <= 0 {
		return fmt.Errorf("%w: Ah interval must be positive", bank.ErrInvalidConfig)
	}
	return nil
}
