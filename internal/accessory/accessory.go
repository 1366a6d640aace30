package accessory

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-crestron/internal/bridges/crestron"
)

// Kind identifies an accessory variant. The value is the device type string
// used on the wire and in configuration.
type Kind string

const (
	KindLightbulb      Kind = "Lightbulb"
	KindSwitch         Kind = "Switch"
	KindTelevision     Kind = "Television"
	KindDimLightbulb   Kind = "DimLightbulb"
	KindHeaterCooler   Kind = "HeaterCooler"
	KindSpeaker        Kind = "Speaker"
	KindWindowCovering Kind = "WindowCovering"
)

// Kinds returns every supported kind.
func Kinds() []Kind {
	return []Kind{
		KindLightbulb,
		KindSwitch,
		KindTelevision,
		KindDimLightbulb,
		KindHeaterCooler,
		KindSpeaker,
		KindWindowCovering,
	}
}

// ParseKind validates a configured type string.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Characteristic names a single attribute of an accessory.
type Characteristic string

const (
	On                          Characteristic = "On"
	Brightness                  Characteristic = "Brightness"
	Active                      Characteristic = "Active"
	CurrentHeaterCoolerState    Characteristic = "CurrentHeaterCoolerState"
	TargetHeaterCoolerState     Characteristic = "TargetHeaterCoolerState"
	RotationSpeed               Characteristic = "RotationSpeed"
	CurrentTemperature          Characteristic = "CurrentTemperature"
	CoolingThresholdTemperature Characteristic = "CoolingThresholdTemperature"
	HeatingThresholdTemperature Characteristic = "HeatingThresholdTemperature"
	TemperatureDisplayUnits     Characteristic = "TemperatureDisplayUnits"
	Mute                        Characteristic = "Mute"
	Volume                      Characteristic = "Volume"
	CurrentPosition             Characteristic = "CurrentPosition"
	TargetPosition              Characteristic = "TargetPosition"
	PositionState               Characteristic = "PositionState"
)

// Spec describes the bounds and writability of a characteristic.
type Spec struct {
	Name     Characteristic `json:"name"`
	Min      int            `json:"min"`
	Max      int            `json:"max"`
	Step     int            `json:"step"`
	Writable bool           `json:"writable"`
}

// Contains reports whether v is within the spec's bounds.
func (s Spec) Contains(v int) bool {
	return v >= s.Min && v <= s.Max
}

// Info identifies an accessory instance.
type Info struct {
	Kind Kind   `json:"kind"`
	ID   int    `json:"id"`
	Name string `json:"name"`
	UUID string `json:"uuid"`
}

// Key returns the "Kind:ID" identity used for lookups and storage.
func (i Info) Key() string {
	return string(i.Kind) + ":" + strconv.Itoa(i.ID)
}

// namespace seeds accessory UUIDs so they are stable across restarts.
var namespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("gray-logic-crestron"))

// UUIDFor derives the stable accessory UUID from its name and id.
func UUIDFor(name string, id int) string {
	return uuid.NewSHA1(namespace, []byte(name+strconv.Itoa(id))).String()
}

// Descriptor is the configured description of one accessory.
type Descriptor struct {
	ID   int
	Name string
	Type string

	// Temperature bounds for HeaterCooler thresholds. Zero means default.
	MinValue int
	MaxValue int
	MinStep  int

	// TemperatureDisplayUnits is 0 for Celsius, 1 for Fahrenheit.
	TemperatureDisplayUnits int
}

// Origin records which side initiated a change.
type Origin string

const (
	// OriginRemote is a change reported by the processor.
	OriginRemote Origin = "remote"

	// OriginLocal is a change requested through Set.
	OriginLocal Origin = "local"
)

// Update is a framework-visible characteristic change.
type Update struct {
	Info           Info
	Characteristic Characteristic
	Value          int
	Origin         Origin
}

// Subscriber registers for inbound processor messages.
// *crestron.Dispatcher satisfies it.
type Subscriber interface {
	Subscribe(topic string, h crestron.HandlerFunc)
}

// Updater is the framework "update characteristic" primitive. It must not
// block on the wire and must tolerate repeated values.
type Updater interface {
	UpdateCharacteristic(u Update)
}

// UpdaterFunc adapts a function to Updater.
type UpdaterFunc func(Update)

// UpdateCharacteristic calls f(u).
func (f UpdaterFunc) UpdateCharacteristic(u Update) { f(u) }

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Deps are the shared collaborators every accessory is built with.
type Deps struct {
	Sender     crestron.Sender
	Subscriber Subscriber
	Updater    Updater
	Logger     Logger // Optional
}

func (d Deps) validate() error {
	if d.Sender == nil {
		return fmt.Errorf("sender is required")
	}
	if d.Subscriber == nil {
		return fmt.Errorf("subscriber is required")
	}
	if d.Updater == nil {
		return fmt.Errorf("updater is required")
	}
	return nil
}

// Accessory is one configured device handler.
//
// Get returns the cached value immediately and, where the processor owns
// the value, fires a query so a later read sees fresh state. Set is a no-op
// when the value is unchanged; otherwise it updates the cache, applies any
// derived fields and sends the command. Remote events arrive through the
// dispatcher and are the only path that reports processor-driven changes.
type Accessory interface {
	Info() Info
	Characteristics() []Spec
	Get(ctx context.Context, c Characteristic) (int, error)
	Set(ctx context.Context, c Characteristic, value int) (changed bool, err error)
	Snapshot() map[Characteristic]int
}

// New builds the accessory variant named by desc.Type and subscribes it to
// its inbound topics.
func New(desc Descriptor, deps Deps) (Accessory, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	kind, err := ParseKind(desc.Type)
	if err != nil {
		return nil, err
	}
	if desc.Name == "" {
		return nil, fmt.Errorf("%w: %s:%d has no name", ErrInvalidDescriptor, desc.Type, desc.ID)
	}

	switch kind {
	case KindLightbulb, KindSwitch, KindTelevision:
		return newPower(kind, desc, deps), nil
	case KindDimLightbulb:
		return newDimLightbulb(desc, deps), nil
	case KindHeaterCooler:
		return newHeaterCooler(desc, deps)
	case KindSpeaker:
		return newSpeaker(desc, deps), nil
	case KindWindowCovering:
		return newWindowCovering(desc, deps), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, desc.Type)
	}
}
