// Package accessory implements the per-device handlers of the Crestron
// bridge.
//
// Each configured device becomes one Accessory built by New from its
// Descriptor. The type string selects the variant:
//
//   - Lightbulb, Switch, Television: On
//   - DimLightbulb: On, Brightness
//   - HeaterCooler: Active, Current/TargetHeaterCoolerState, RotationSpeed,
//     CurrentTemperature, Cooling/HeatingThresholdTemperature
//   - Speaker: Mute, Volume
//   - WindowCovering: Current/TargetPosition, PositionState
//
// # State Synchronisation
//
// Every handler mirrors its device in a small state record and follows the
// same discipline on both paths that can change it:
//
//	Set (local)      compare → update cache → derive → send set<X>
//	event (remote)   compare → update cache → derive → notify Updater
//
// An unchanged value is a no-op on either path, and a remote event never
// writes back to the wire. This is what keeps the bridge and the processor
// from echoing commands at each other.
//
// Reads never block on the wire: Get returns the cache and, for values the
// processor owns, sends get<X> so the reply refreshes the cache.
//
// # Wiring
//
// Handlers take their collaborators explicitly through Deps: the shared
// connection as a crestron.Sender, the dispatcher as a Subscriber and the
// framework's update primitive as an Updater. There is no package state.
package accessory
