// Package crestron implements the transport side of the Crestron bridge.
//
// A Crestron control processor exposes a single TCP port speaking a flat,
// delimiter-framed text protocol. This package owns that connection, turns
// the byte stream into typed messages, and routes each message to whichever
// accessory handler subscribed to it.
//
// # Architecture
//
//	┌──────────────┐  Send(Command)  ┌──────────────┐   TCP    ┌─────────────┐
//	│  Accessory   │────────────────►│  Connection  │◄────────►│  Crestron   │
//	│  handlers    │                 │  (this pkg)  │          │  processor  │
//	└──────▲───────┘                 └──────┬───────┘          └─────────────┘
//	       │ HandlerFunc(Value)             │ Framer.Feed
//	       │                         ┌──────▼───────┐
//	       └─────────────────────────│  Dispatcher  │
//	                                 └──────────────┘
//
// # Wire Format
//
// Every message is ASCII text terminated by '*', with ':' separating fields:
//
//	Lightbulb:3:setPowerState:1:*     set with value
//	Lightbulb:3:getPowerState:*       query, no value
//	Lightbulb:3:eventPowerState:0:*   device-initiated event
//
// Several messages may arrive in one read and a message may be split across
// reads. The Framer keeps the unterminated tail of each read and prefixes it
// to the next one, so only complete messages reach the dispatcher.
//
// # Topics
//
// Inbound messages are dispatched on the exact topic "type:id:name", for
// example "HeaterCooler:1:eventTargetTemperature". There is no wildcard
// matching. Publishing to a topic nobody subscribed to is not an error; the
// processor routinely acknowledges messages no handler cares about.
//
// # Reconnection
//
// The connection is essential and is retried forever at a fixed interval
// (2s by default). A single in-flight flag guarantees that a read error and
// a write error racing each other start only one reconnect loop. Commands
// sent while disconnected are dropped and counted; nothing is queued or
// replayed.
//
// # Thread Safety
//
// Connection and Dispatcher are safe for concurrent use. Handlers are invoked
// synchronously from the connection's read goroutine, in subscription order.
package crestron
