package accessory

import (
	"context"
	"fmt"

	"github.com/nerrad567/gray-logic-crestron/internal/bridges/crestron"
)

const (
	msgGetPower = "getPowerState"
	msgSetPower = "setPowerState"
	msgEvtPower = "eventPowerState"

	msgGetTargetHCS = "getTargetHeaterCoolerState"
	msgSetTargetHCS = "setTargetHeaterCoolerState"
	msgEvtTargetHCS = "eventTargetHeaterCoolerState"

	msgGetCurrentTemperature = "getCurrentTemperature"
	msgEvtCurrentTemperature = "eventCurrentTemperature"

	msgGetTargetTemperature = "getTargetTemperature"
	msgSetTargetTemperature = "setTargetTemperature"
	msgEvtTargetTemperature = "eventTargetTemperature"

	msgGetRotationSpeed = "getRotationSpeed"
	msgSetRotationSpeed = "setRotationSpeed"
	msgEvtRotationSpeed = "eventRotationSpeed"
)

// Temperature defaults when the descriptor leaves bounds unset.
const (
	defaultMinTemperature     = 10
	defaultMaxTemperature     = 35
	defaultTemperatureStep    = 1
	initialTemperature        = 24
	initialRotationSpeed      = 100
	currentHeaterCoolerIdle   = 0
	targetHeaterCoolerMinimum = 1
	targetHeaterCoolerMaximum = 2
)

// heaterCooler is a thermostat-style climate unit.
//
// CurrentHeaterCoolerState is derived: 0 while inactive, otherwise
// TargetHeaterCoolerState+1. The two threshold characteristics share one
// setpoint, which the processor knows as TargetTemperature.
type heaterCooler struct {
	base
	active             int
	currentState       int
	targetState        int
	rotationSpeed      int
	currentTemperature int
	threshold          int
	displayUnits       int
}

func newHeaterCooler(desc Descriptor, deps Deps) (*heaterCooler, error) {
	minT, maxT, step := desc.MinValue, desc.MaxValue, desc.MinStep
	if minT == 0 && maxT == 0 {
		minT, maxT = defaultMinTemperature, defaultMaxTemperature
	}
	if step <= 0 {
		step = defaultTemperatureStep
	}
	if minT >= maxT {
		return nil, fmt.Errorf("%w: %s:%d min_value %d must be below max_value %d",
			ErrInvalidDescriptor, desc.Type, desc.ID, minT, maxT)
	}

	a := &heaterCooler{
		base:               newBase(KindHeaterCooler, desc, deps),
		rotationSpeed:      initialRotationSpeed,
		currentTemperature: initialTemperature,
		threshold:          clamp(initialTemperature, minT, maxT),
		displayUnits:       clamp(desc.TemperatureDisplayUnits, 0, 1),
	}
	a.specs = []Spec{
		{Name: Active, Min: 0, Max: 1, Step: 1, Writable: true},
		{Name: CurrentHeaterCoolerState, Min: 0, Max: 3, Step: 1},
		{Name: TargetHeaterCoolerState, Min: targetHeaterCoolerMinimum, Max: targetHeaterCoolerMaximum, Step: 1, Writable: true},
		{Name: RotationSpeed, Min: 0, Max: 100, Step: 1, Writable: true},
		{Name: CurrentTemperature, Min: -100, Max: 200, Step: 1},
		{Name: CoolingThresholdTemperature, Min: minT, Max: maxT, Step: step, Writable: true},
		{Name: HeatingThresholdTemperature, Min: minT, Max: maxT, Step: step, Writable: true},
		{Name: TemperatureDisplayUnits, Min: 0, Max: 1, Step: 1},
	}
	a.queries[Active] = msgGetPower
	a.queries[TargetHeaterCoolerState] = msgGetTargetHCS
	a.queries[RotationSpeed] = msgGetRotationSpeed
	a.queries[CurrentTemperature] = msgGetCurrentTemperature
	a.queries[CoolingThresholdTemperature] = msgGetTargetTemperature
	a.queries[HeatingThresholdTemperature] = msgGetTargetTemperature
	a.valueOf = a.value

	sub := deps.Subscriber
	a.subscribe(sub, msgGetPower, a.onRemoteActive)
	a.subscribe(sub, msgEvtPower, a.onRemoteActive)
	a.subscribe(sub, msgGetTargetHCS, a.onRemoteTargetState)
	a.subscribe(sub, msgEvtTargetHCS, a.onRemoteTargetState)
	a.subscribe(sub, msgGetCurrentTemperature, a.onRemoteCurrentTemperature)
	a.subscribe(sub, msgEvtCurrentTemperature, a.onRemoteCurrentTemperature)
	a.subscribe(sub, msgGetTargetTemperature, a.onRemoteTargetTemperature)
	a.subscribe(sub, msgEvtTargetTemperature, a.onRemoteTargetTemperature)
	a.subscribe(sub, msgGetRotationSpeed, a.onRemoteRotationSpeed)
	a.subscribe(sub, msgEvtRotationSpeed, a.onRemoteRotationSpeed)
	return a, nil
}

func (a *heaterCooler) value(c Characteristic) int {
	switch c {
	case Active:
		return a.active
	case CurrentHeaterCoolerState:
		return a.currentState
	case TargetHeaterCoolerState:
		return a.targetState
	case RotationSpeed:
		return a.rotationSpeed
	case CurrentTemperature:
		return a.currentTemperature
	case TemperatureDisplayUnits:
		return a.displayUnits
	default:
		return a.threshold
	}
}

// Set handles the writable climate characteristics.
func (a *heaterCooler) Set(ctx context.Context, c Characteristic, v int) (bool, error) {
	if err := a.checkWrite(c, v); err != nil {
		return false, err
	}
	return a.mutate(ctx, func(e *effects) bool {
		switch c {
		case Active:
			if a.active == v {
				return false
			}
			a.active = v
			a.deriveCurrentState(e)
			e.send(a.setCommand(msgSetPower, v))
		case TargetHeaterCoolerState:
			if a.targetState == v {
				return false
			}
			a.targetState = v
			a.deriveCurrentState(e)
			e.send(a.setCommand(msgSetTargetHCS, v))
		case RotationSpeed:
			if a.rotationSpeed == v {
				return false
			}
			a.rotationSpeed = v
			e.send(a.setCommand(msgSetRotationSpeed, v))
		default:
			if a.threshold == v {
				return false
			}
			a.threshold = v
			e.notify(mirrorThreshold(c), v)
			e.send(a.setCommand(msgSetTargetTemperature, v))
		}
		return true
	}), nil
}

// deriveCurrentState recomputes CurrentHeaterCoolerState and queues a
// notification when it moved.
func (a *heaterCooler) deriveCurrentState(e *effects) {
	next := currentHeaterCoolerIdle
	if a.active != 0 {
		next = a.targetState + 1
	}
	if next != a.currentState {
		a.currentState = next
		e.notify(CurrentHeaterCoolerState, next)
	}
}

func (a *heaterCooler) onRemoteActive(v crestron.Value, e *effects) {
	if v.N == a.active {
		return
	}
	a.active = v.N
	e.notify(Active, v.N)
	a.deriveCurrentState(e)
}

func (a *heaterCooler) onRemoteTargetState(v crestron.Value, e *effects) {
	if v.N == a.targetState {
		return
	}
	a.targetState = v.N
	e.notify(TargetHeaterCoolerState, v.N)
	a.deriveCurrentState(e)
}

func (a *heaterCooler) onRemoteCurrentTemperature(v crestron.Value, e *effects) {
	if v.N == a.currentTemperature {
		return
	}
	a.currentTemperature = v.N
	e.notify(CurrentTemperature, v.N)
}

func (a *heaterCooler) onRemoteTargetTemperature(v crestron.Value, e *effects) {
	if v.N == a.threshold {
		return
	}
	a.threshold = v.N
	e.notify(CoolingThresholdTemperature, v.N)
	e.notify(HeatingThresholdTemperature, v.N)
}

func (a *heaterCooler) onRemoteRotationSpeed(v crestron.Value, e *effects) {
	if v.N == a.rotationSpeed {
		return
	}
	a.rotationSpeed = v.N
	e.notify(RotationSpeed, v.N)
}

// mirrorThreshold returns the threshold characteristic paired with c.
func mirrorThreshold(c Characteristic) Characteristic {
	if c == CoolingThresholdTemperature {
		return HeatingThresholdTemperature
	}
	return CoolingThresholdTemperature
}
