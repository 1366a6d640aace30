package accessory

import (
	"context"

	"github.com/nerrad567/gray-logic-crestron/internal/bridges/crestron"
)

const (
	msgGetCurrentPosition   = "getCurrentPosition"
	msgEventCurrentPosition = "eventCurrentPosition"
	msgSetTargetPosition    = "setTargetPosition"

	// positionStopped is the only PositionState reported; the processor
	// gives no movement feedback.
	positionStopped = 2
)

// windowCovering is a motorised blind or shade. A single cached position
// serves as both current and target.
type windowCovering struct {
	base
	position int
}

func newWindowCovering(desc Descriptor, deps Deps) *windowCovering {
	a := &windowCovering{base: newBase(KindWindowCovering, desc, deps)}
	a.specs = []Spec{
		{Name: CurrentPosition, Min: 0, Max: 100, Step: 1},
		{Name: TargetPosition, Min: 0, Max: 100, Step: 1, Writable: true},
		{Name: PositionState, Min: 0, Max: 2, Step: 1},
	}
	a.queries[CurrentPosition] = msgGetCurrentPosition
	a.queries[TargetPosition] = msgGetCurrentPosition
	a.valueOf = a.value

	a.subscribe(deps.Subscriber, msgGetCurrentPosition, a.onRemotePosition)
	a.subscribe(deps.Subscriber, msgEventCurrentPosition, a.onRemotePosition)
	return a
}

func (a *windowCovering) value(c Characteristic) int {
	if c == PositionState {
		return positionStopped
	}
	return a.position
}

// Set moves the covering to TargetPosition.
func (a *windowCovering) Set(ctx context.Context, c Characteristic, v int) (bool, error) {
	if err := a.checkWrite(c, v); err != nil {
		return false, err
	}
	return a.mutate(ctx, func(e *effects) bool {
		if a.position == v {
			return false
		}
		a.position = v
		e.notify(CurrentPosition, v)
		e.send(a.setCommand(msgSetTargetPosition, v))
		return true
	}), nil
}

func (a *windowCovering) onRemotePosition(v crestron.Value, e *effects) {
	if v.N == a.position {
		return
	}
	a.position = v.N
	e.notify(TargetPosition, v.N)
	e.notify(CurrentPosition, v.N)
}
