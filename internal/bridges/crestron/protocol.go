package crestron

import (
	"bytes"
	"strconv"
	"strings"
)

// Protocol delimiters.
const (
	// Terminator ends every message on the wire.
	Terminator = '*'

	// Separator splits the fields of a message.
	Separator = ':'

	// MaxResidual is the largest unterminated tail the Framer will hold
	// between reads. Anything longer is garbage and is discarded.
	MaxResidual = 4096
)

// Value is an integer payload that may be absent.
//
// Query acknowledgements frequently carry no value, and a field that is not
// a decimal integer is treated the same way. Handlers must check Valid.
type Value struct {
	N     int
	Valid bool
}

// NoValue is the sentinel for a missing or unparseable payload.
var NoValue = Value{}

// Int wraps n as a present value.
func Int(n int) Value {
	return Value{N: n, Valid: true}
}

// String returns the decimal value, or "none" when absent.
func (v Value) String() string {
	if !v.Valid {
		return "none"
	}
	return strconv.Itoa(v.N)
}

// Topic builds the dispatch key for a device message.
func Topic(deviceType string, deviceID int, name string) string {
	return deviceType + string(Separator) + strconv.Itoa(deviceID) + string(Separator) + name
}

// Message is one decoded protocol message.
type Message struct {
	DeviceType string
	DeviceID   int
	Name       string
	Value      Value
}

// Topic returns the dispatch key for the message.
func (m Message) Topic() string {
	return Topic(m.DeviceType, m.DeviceID, m.Name)
}

// Command is an outbound message.
type Command struct {
	DeviceType string
	DeviceID   int
	Name       string
	Value      Value
}

// Query builds a value-less command such as "Lightbulb:3:getPowerState:*".
func Query(deviceType string, deviceID int, name string) Command {
	return Command{DeviceType: deviceType, DeviceID: deviceID, Name: name}
}

// Set builds a command carrying a value such as "Lightbulb:3:setPowerState:1:*".
func Set(deviceType string, deviceID int, name string, value int) Command {
	return Command{DeviceType: deviceType, DeviceID: deviceID, Name: name, Value: Int(value)}
}

// Topic returns the "type:id:name" prefix of the command.
func (c Command) Topic() string {
	return Topic(c.DeviceType, c.DeviceID, c.Name)
}

// Encode renders the command as a terminated wire frame.
func (c Command) Encode() []byte {
	var b strings.Builder
	b.Grow(len(c.DeviceType) + len(c.Name) + 16)
	b.WriteString(c.Topic())
	b.WriteByte(Separator)
	if c.Value.Valid {
		b.WriteString(strconv.Itoa(c.Value.N))
		b.WriteByte(Separator)
	}
	b.WriteByte(Terminator)
	return []byte(b.String())
}

// String returns the encoded frame as text, for logging.
func (c Command) String() string {
	return string(c.Encode())
}

// Decode parses every message in chunk.
//
// The chunk is split on the terminator. A candidate is skipped when its
// type field is empty after trimming, when it has fewer than three fields,
// or when its id is not an integer. An absent or non-numeric value field
// decodes as NoValue. Decode keeps no state between calls; use a Framer for
// streams where messages can straddle reads.
func Decode(chunk []byte) []Message {
	var msgs []Message
	for _, candidate := range bytes.Split(chunk, []byte{Terminator}) {
		if msg, ok := decodeMessage(candidate); ok {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

// decodeMessage parses a single unterminated candidate.
func decodeMessage(candidate []byte) (Message, bool) {
	fields := strings.Split(string(candidate), string(Separator))
	if len(fields) < 3 {
		return Message{}, false
	}

	deviceType := strings.TrimSpace(fields[0])
	if deviceType == "" {
		return Message{}, false
	}

	id, err := strconv.Atoi(strings.TrimSpace(fields[1]))
	if err != nil {
		return Message{}, false
	}

	msg := Message{
		DeviceType: deviceType,
		DeviceID:   id,
		Name:       strings.TrimSpace(fields[2]),
		Value:      NoValue,
	}
	if len(fields) > 3 {
		if n, err := strconv.Atoi(strings.TrimSpace(fields[3])); err == nil {
			msg.Value = Int(n)
		}
	}
	return msg, true
}

// Framer reassembles messages from a byte stream.
//
// Not safe for concurrent use; the connection owns one per session.
type Framer struct {
	residual  []byte
	discarded uint64
}

// Feed appends chunk to any carried-over bytes and returns the complete
// messages. Bytes after the last terminator are kept for the next call.
func (f *Framer) Feed(chunk []byte) []Message {
	data := chunk
	if len(f.residual) > 0 {
		data = append(f.residual, chunk...)
		f.residual = nil
	}

	end := bytes.LastIndexByte(data, Terminator)
	if end < 0 {
		f.keep(data)
		return nil
	}

	f.keep(data[end+1:])
	return Decode(data[:end+1])
}

// keep stores the unterminated tail, dropping it if it has grown too large.
func (f *Framer) keep(tail []byte) {
	if len(tail) == 0 {
		return
	}
	if len(tail) > MaxResidual {
		f.discarded++
		return
	}
	f.residual = append([]byte(nil), tail...)
}

// Pending returns the number of buffered bytes awaiting a terminator.
func (f *Framer) Pending() int {
	return len(f.residual)
}

// Discarded returns how many oversized tails have been thrown away.
func (f *Framer) Discarded() uint64 {
	return f.discarded
}

// Reset drops any buffered bytes. Called when a new session starts.
func (f *Framer) Reset() {
	f.residual = nil
}
