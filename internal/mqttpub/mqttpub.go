// Package mqttpub publishes the bank status to an MQTT broker and accepts
// pack resets from it.
package mqttpub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/TheCacophonyProject/battery-parallelator/bank"
	"github.com/TheCacophonyProject/go-utils/logging"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const publishTimeout = 5 * time.Second

// Client is the part of an MQTT client the publisher needs.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
}

type Bank interface {
	Snapshot() bank.Snapshot
	Reset(packID int) error
}

type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Prefix   string
}

type Publisher struct {
	client Client
	prefix string
	bank   Bank
	log    *logging.Logger
}

func New(client Client, prefix string, b Bank, log *logging.Logger) *Publisher {
	if log == nil {
		log = logging.NewLogger("info")
	}
	return &Publisher{
		client: client,
		prefix: strings.TrimSuffix(prefix, "/"),
		bank:   b,
		log:    log,
	}
}

// Connect dials the broker and subscribes to resets every time the
// connection comes up. The returned client must be disconnected by the caller.
func Connect(cfg Config, b Bank, log *logging.Logger) (*Publisher, mqtt.Client, error) {
	p := New(nil, cfg.Prefix, b, log)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		p.log.Warnf("MQTT connection lost: %v", err)
	})
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		p.log.Infof("Connected to MQTT broker at %s", cfg.Broker)
		if err := p.Subscribe(); err != nil {
			p.log.Error(err)
		}
	})

	client := mqtt.NewClient(opts)
	p.client = client
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, nil, fmt.Errorf("connect to MQTT broker %s: %w", cfg.Broker, token.Error())
	}
	return p, client, nil
}

func (p *Publisher) StatusTopic() string {
	return p.prefix + "/status"
}

func (p *Publisher) PackTopic(id int) string {
	return fmt.Sprintf("%s/pack/%d", p.prefix, id)
}

func (p *Publisher) resetFilter() string {
	return p.prefix + "/pack/+/reset"
}

func (p *Publisher) publish(topic string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	token := p.client.Publish(topic, 0, true, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	return token.Error()
}

// Publish sends the whole snapshot and then each pack on its own topic, all
// retained.
func (p *Publisher) Publish(snap bank.Snapshot) error {
	if err := p.publish(p.StatusTopic(), snap); err != nil {
		return err
	}
	for _, pack := range snap.Packs {
		if err := p.publish(p.PackTopic(pack.ID), pack); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) Subscribe() error {
	token := p.client.Subscribe(p.resetFilter(), 1, p.onReset)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe to %s: %w", p.resetFilter(), token.Error())
	}
	return nil
}

// packFromTopic extracts the pack id from <prefix>/pack/<id>/reset.
func (p *Publisher) packFromTopic(topic string) (int, error) {
	rest, ok := strings.CutPrefix(topic, p.prefix+"/pack/")
	if !ok {
		return 0, fmt.Errorf("unexpected topic %q", topic)
	}
	idStr, ok := strings.CutSuffix(rest, "/reset")
	if !ok {
		return 0, fmt.Errorf("unexpected topic %q", topic)
	}
	return strconv.Atoi(idStr)
}

// onReset ignores retained messages: the broker replays them on every
// subscribe, and a lockout must only be cleared by a fresh request.
func (p *Publisher) onReset(_ mqtt.Client, msg mqtt.Message) {
	if msg.Retained() {
		p.log.Warnf("Ignoring retained reset on %s", msg.Topic())
		return
	}
	p.handleReset(msg.Topic())
}

func (p *Publisher) handleReset(topic string) {
	id, err := p.packFromTopic(topic)
	if err != nil {
		p.log.Warnf("Ignoring reset: %v", err)
		return
	}
	if err := p.bank.Reset(id); err != nil {
		p.log.Errorf("MQTT reset of pack %d failed: %v", id, err)
		return
	}
	p.log.Infof("Pack %d reset over MQTT", id)
}

// Run publishes a snapshot every interval until ctx is done.
func (p *Publisher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Publish(p.bank.Snapshot()); err != nil {
				p.log.Errorf("Failed to publish status: %v", err)
			}
		}
	}
}
