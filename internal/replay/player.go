package replay

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/starford/nilmprep/internal/sse"
)

// Message kinds.
const (
	KindDiscovery = "discovery"
	KindReading   = "reading"
)

// Message is one publication of the player.
type Message struct {
	Kind    string
	Topic   string
	Payload any
	Retain  bool
}

// Publisher delivers messages to consumers.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Clock abstracts wall time so tests can drive the player.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// SystemClock is the real local clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time                         { return time.Now() }
func (SystemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Reading is the payload of a reading message. Value is null for a
// missing cell.
type Reading struct {
	Value *float64  `json:"value"`
	Time  time.Time `json:"time"`
}

// Discovery is a Home-Assistant style sensor announcement.
type Discovery struct {
	DeviceClass       string          `json:"device_class"`
	StateTopic        string          `json:"state_topic"`
	Name              string          `json:"name"`
	UnitOfMeasurement string          `json:"unit_of_measurement"`
	ValueTemplate     string          `json:"value_template"`
	UniqueID          string          `json:"unique_id"`
	Device            DiscoveryDevice `json:"device"`
}

// DiscoveryDevice identifies the simulated plug.
type DiscoveryDevice struct {
	Identifiers  string `json:"identifiers"`
	Name         string `json:"name"`
	Model        string `json:"model"`
	Manufacturer string `json:"manufacturer"`
}

// DeviceID derives the stable plug identifier of a replayed file: the hex
// SHAKE-256 digest of its path, 10 bytes long.
func DeviceID(path string) string {
	sum := make([]byte, 10)
	sha3.ShakeSum256(sum, []byte(path))
	return hex.EncodeToString(sum)
}

// SensorName turns a column name into a topic segment.
func SensorName(column string) string {
	return strings.ReplaceAll(column, " ", "_")
}

// Player publishes the rows of a Buffer when their time of day comes.
type Player struct {
	buf      *Buffer
	topic    string
	deviceID string
	pub      Publisher
	clock    Clock
	logger   *slog.Logger

	discoverySent bool
}

// NewPlayer creates a Player. A nil clock uses SystemClock.
func NewPlayer(buf *Buffer, topic, deviceID string, pub Publisher, clock Clock, logger *slog.Logger) *Player {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Player{buf: buf, topic: topic, deviceID: deviceID, pub: pub, clock: clock, logger: logger}
}

// StateTopic is where readings of a sensor are published.
func (p *Player) StateTopic(sensor string) string {
	return fmt.Sprintf("%s/device/%s/%s", p.topic, p.deviceID, sensor)
}

// Discovery builds the announcement of a sensor.
func (p *Player) Discovery(sensor string) Discovery {
	id := p.deviceID + "-" + sensor
	return Discovery{
		DeviceClass:       "power",
		StateTopic:        p.StateTopic(sensor),
		Name:              "power",
		UnitOfMeasurement: "W",
		ValueTemplate:     "{{ value_json.value }}",
		UniqueID:          id,
		Device: DiscoveryDevice{
			Identifiers:  id,
			Name:         "Simulated Power Plug - " + sensor,
			Model:        "SynTiSeD",
			Manufacturer: "DFKI",
		},
	}
}

// Run skips to the row matching the current time of day and publishes
// rows as they fall due, looping over the table, until ctx is done.
func (p *Player) Run(ctx context.Context) error {
	p.buf.Skip(p.clock.Now())
	p.logger.Info("replay: started",
		slog.String("device_id", p.deviceID),
		slog.Int("rows", p.buf.Len()),
		slog.Int("start_row", p.buf.Position()))

	for {
		wait := p.buf.Wait(p.clock.Now())
		select {
		case <-ctx.Done():
		case <-p.clock.After(wait):
		}
		if ctx.Err() != nil {
			p.logger.Info("replay: stopped")
			return nil
		}
		if err := p.Emit(ctx, p.buf.Current()); err != nil {
			return err
		}
		p.buf.Next()
	}
}

// Emit publishes one row: a discovery message per column on the first
// call, then a reading per column.
func (p *Player) Emit(ctx context.Context, row Row) error {
	for c, column := range p.buf.Columns() {
		sensor := SensorName(column)
		if !p.discoverySent {
			msg := Message{
				Kind:    KindDiscovery,
				Topic:   fmt.Sprintf("homeassistant/sensor/%s/config", sensor),
				Payload: p.Discovery(sensor),
				Retain:  true,
			}
			if err := p.pub.Publish(ctx, msg); err != nil {
				return fmt.Errorf("replay: publish discovery: %w", err)
			}
		}
		reading := Reading{Time: row.Time}
		if v := row.Values[c]; !math.IsNaN(v) {
			reading.Value = &v
		}
		msg := Message{Kind: KindReading, Topic: p.StateTopic(sensor), Payload: reading}
		if err := p.pub.Publish(ctx, msg); err != nil {
			return fmt.Errorf("replay: publish reading: %w", err)
		}
	}
	p.discoverySent = true
	return nil
}

// BrokerPublisher publishes messages as SSE events.
type BrokerPublisher struct {
	Broker *sse.Broker
}

// envelope is the SSE data of a message.
type envelope struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// Publish implements Publisher.
func (bp BrokerPublisher) Publish(_ context.Context, msg Message) error {
	bp.Broker.Publish(sse.Event{
		Type:   msg.Kind,
		Data:   envelope{Topic: msg.Topic, Payload: msg.Payload},
		Retain: msg.Retain,
		Key:    msg.Topic,
	})
	return nil
}
