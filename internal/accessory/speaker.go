package accessory

import (
	"context"

	"github.com/nerrad567/gray-logic-crestron/internal/bridges/crestron"
)

const (
	msgGetMuteState   = "getMuteState"
	msgSetMuteState   = "setMuteState"
	msgEventMuteState = "eventMuteState"

	msgGetVolumeState   = "getVolumeState"
	msgSetVolumeState   = "setVolumeState"
	msgEventVolumeState = "eventVolumeState"

	minVolume = 0
	maxVolume = 100
)

// speaker is an audio zone with mute and volume.
type speaker struct {
	base
	mute   int
	volume int
}

func newSpeaker(desc Descriptor, deps Deps) *speaker {
	a := &speaker{base: newBase(KindSpeaker, desc, deps)}
	a.specs = []Spec{
		{Name: Mute, Min: 0, Max: 1, Step: 1, Writable: true},
		{Name: Volume, Min: minVolume, Max: maxVolume, Step: 1, Writable: true},
	}
	a.queries[Mute] = msgGetMuteState
	a.queries[Volume] = msgGetVolumeState
	a.valueOf = a.value

	a.subscribe(deps.Subscriber, msgGetMuteState, a.onRemoteMute)
	a.subscribe(deps.Subscriber, msgEventMuteState, a.onRemoteMute)
	a.subscribe(deps.Subscriber, msgGetVolumeState, a.onRemoteVolume)
	a.subscribe(deps.Subscriber, msgEventVolumeState, a.onRemoteVolume)
	return a
}

func (a *speaker) value(c Characteristic) int {
	if c == Mute {
		return a.mute
	}
	return a.volume
}

// Set handles Mute and Volume.
func (a *speaker) Set(ctx context.Context, c Characteristic, v int) (bool, error) {
	if err := a.checkWrite(c, v); err != nil {
		return false, err
	}
	return a.mutate(ctx, func(e *effects) bool {
		if c == Mute {
			if a.mute == v {
				return false
			}
			a.mute = v
			e.send(a.setCommand(msgSetMuteState, v))
			return true
		}
		if a.volume == v {
			return false
		}
		a.volume = v
		e.send(a.setCommand(msgSetVolumeState, v))
		return true
	}), nil
}

func (a *speaker) onRemoteMute(v crestron.Value, e *effects) {
	mute := boolToInt(v.N != 0)
	if mute == a.mute {
		return
	}
	a.mute = mute
	e.notify(Mute, mute)
}

// onRemoteVolume saturates out-of-range reports instead of rejecting them.
func (a *speaker) onRemoteVolume(v crestron.Value, e *effects) {
	volume := clamp(v.N, minVolume, maxVolume)
	if volume == a.volume {
		return
	}
	a.volume = volume
	e.notify(Volume, volume)
}
