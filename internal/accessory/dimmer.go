package accessory

import (
	"context"

	"github.com/nerrad567/gray-logic-crestron/internal/bridges/crestron"
)

const (
	msgGetLightBrightness   = "getLightBrightness"
	msgSetLightBrightness   = "setLightBrightness"
	msgEventLightBrightness = "eventLightBrightness"

	fullBrightness = 100
)

// dimLightbulb is a dimmable light. The processor only knows brightness;
// On is derived as brightness > 0.
type dimLightbulb struct {
	base
	on         bool
	brightness int
}

func newDimLightbulb(desc Descriptor, deps Deps) *dimLightbulb {
	a := &dimLightbulb{
		base:       newBase(KindDimLightbulb, desc, deps),
		brightness: fullBrightness,
	}
	a.specs = []Spec{
		{Name: On, Min: 0, Max: 1, Step: 1, Writable: true},
		{Name: Brightness, Min: 0, Max: 100, Step: 1, Writable: true},
	}
	a.queries[Brightness] = msgGetLightBrightness
	a.valueOf = a.value

	a.subscribe(deps.Subscriber, msgGetLightBrightness, a.onRemoteBrightness)
	a.subscribe(deps.Subscriber, msgEventLightBrightness, a.onRemoteBrightness)
	return a
}

func (a *dimLightbulb) value(c Characteristic) int {
	if c == On {
		return boolToInt(a.on)
	}
	return a.brightness
}

// Set handles On and Brightness.
//
// Turning on from zero brightness restores full brightness; turning off
// drives brightness to zero. Either way the resulting brightness is sent.
func (a *dimLightbulb) Set(ctx context.Context, c Characteristic, v int) (bool, error) {
	if err := a.checkWrite(c, v); err != nil {
		return false, err
	}
	return a.mutate(ctx, func(e *effects) bool {
		if c == On {
			return a.setOn(v == 1, e)
		}
		return a.setBrightness(v, e)
	}), nil
}

func (a *dimLightbulb) setOn(on bool, e *effects) bool {
	if a.on == on {
		return false
	}
	a.on = on

	brightness := a.brightness
	switch {
	case on && brightness == 0:
		brightness = fullBrightness
	case !on:
		brightness = 0
	}
	if brightness != a.brightness {
		a.brightness = brightness
		e.notify(Brightness, brightness)
	}
	e.send(a.setCommand(msgSetLightBrightness, a.brightness))
	return true
}

func (a *dimLightbulb) setBrightness(b int, e *effects) bool {
	if a.brightness == b {
		return false
	}
	a.brightness = b
	if on := b > 0; on != a.on {
		a.on = on
		e.notify(On, boolToInt(on))
	}
	e.send(a.setCommand(msgSetLightBrightness, b))
	return true
}

func (a *dimLightbulb) onRemoteBrightness(v crestron.Value, e *effects) {
	if on := v.N > 0; on != a.on {
		a.on = on
		e.notify(On, boolToInt(on))
	}
	if v.N != a.brightness {
		a.brightness = v.N
		e.notify(Brightness, v.N)
	}
}
