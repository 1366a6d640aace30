package accessory

import (
	"context"

	"github.com/nerrad567/gray-logic-crestron/internal/bridges/crestron"
)

// Power state messages shared by Lightbulb, Switch and Television.
const (
	msgGetPowerState   = "getPowerState"
	msgSetPowerState   = "setPowerState"
	msgEventPowerState = "eventPowerState"
)

// power is a binary on/off accessory.
type power struct {
	base
	on bool
}

func newPower(kind Kind, desc Descriptor, deps Deps) *power {
	a := &power{base: newBase(kind, desc, deps)}
	a.specs = []Spec{{Name: On, Min: 0, Max: 1, Step: 1, Writable: true}}
	a.queries[On] = msgGetPowerState
	a.valueOf = a.value

	a.subscribe(deps.Subscriber, msgGetPowerState, a.onRemotePower)
	a.subscribe(deps.Subscriber, msgEventPowerState, a.onRemotePower)
	return a
}

func (a *power) value(Characteristic) int {
	return boolToInt(a.on)
}

// Set switches the accessory on (1) or off (0).
func (a *power) Set(ctx context.Context, c Characteristic, v int) (bool, error) {
	if err := a.checkWrite(c, v); err != nil {
		return false, err
	}
	return a.mutate(ctx, func(e *effects) bool {
		on := v == 1
		if a.on == on {
			return false
		}
		a.on = on
		e.send(a.setCommand(msgSetPowerState, v))
		return true
	}), nil
}

func (a *power) onRemotePower(v crestron.Value, e *effects) {
	on := v.N == 1
	if a.on == on {
		return
	}
	a.on = on
	e.notify(On, boolToInt(on))
}
