// Package mqtt bridges device sessions to an MQTT broker: session state is
// published on state topics and commands are accepted on command topics.
package mqtt

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/aftvgo/aftvserver/internal/command"
	"github.com/aftvgo/aftvserver/internal/config"
	"github.com/aftvgo/aftvserver/internal/driver"
	"github.com/aftvgo/aftvserver/internal/session"
)

const commandTimeout = 30 * time.Second

// commandRunner is the slice of the session manager the bridge needs.
type commandRunner interface {
	Execute(ctx context.Context, device string, cmd command.Command) (driver.Result, error)
}

// Bridge connects the session manager to one broker. Topics are
// <prefix>/<device>/state (published, retained) and
// <prefix>/<device>/command (subscribed).
type Bridge struct {
	client mqtt.Client
	prefix string
	runner commandRunner
}

// NewBridge connects to the broker and subscribes to the command topics.
// The client reconnects and resubscribes on its own.
func NewBridge(cfg *config.MQTT, runner commandRunner) (*Bridge, error) {
	b := &Bridge{prefix: cfg.TopicPrefix, runner: runner}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetClientID(randomClientID())
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		b.subscribeCommands()
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect mqtt broker: %w", token.Error())
	}
	b.client = client
	return b, nil
}

func (b *Bridge) subscribeCommands() {
	topic := b.prefix + "/+/command"
	if token := b.client.Subscribe(topic, 0, b.handleCommand); token.Wait() && token.Error() != nil {
		log.Printf("mqtt: subscribe %s: %v", topic, token.Error())
	}
}

func (b *Bridge) handleCommand(_ mqtt.Client, msg mqtt.Message) {
	device, ok := deviceFromTopic(b.prefix, msg.Topic())
	if !ok {
		return
	}
	var cmd command.Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		log.Printf("mqtt: %s: bad command payload: %v", msg.Topic(), err)
		return
	}
	if err := cmd.Validate(); err != nil {
		log.Printf("mqtt: %s: %v", msg.Topic(), err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	res, err := b.runner.Execute(ctx, device, cmd)
	if err != nil {
		log.Printf("mqtt: %s %s: %v", device, cmd.Kind, err)
		return
	}
	if cmd.Kind == command.KindState && res.State != "" {
		b.publishState(device, res.State)
	}
}

// StateChanged publishes a session state transition. Wire it to the session
// manager's OnStateChange hook.
func (b *Bridge) StateChanged(device string, st session.State) {
	b.publishState(device, st.String())
}

func (b *Bridge) publishState(device, state string) {
	topic := fmt.Sprintf("%s/%s/state", b.prefix, device)
	b.client.Publish(topic, 0, true, state)
}

// Close disconnects from the broker, allowing queued messages to flush.
func (b *Bridge) Close() {
	b.client.Disconnect(250)
}

// deviceFromTopic extracts the device segment of <prefix>/<device>/command.
func deviceFromTopic(prefix, topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return "", false
	}
	device, ok := strings.CutSuffix(rest, "/command")
	if !ok || device == "" || strings.Contains(device, "/") {
		return "", false
	}
	return device, true
}

func randomClientID() string {
	nonce := make([]byte, 8)
	_, _ = rand.Read(nonce)
	return "aftvserver-" + base64.RawURLEncoding.EncodeToString(nonce)
}
