package accessory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nerrad567/gray-logic-crestron/internal/bridges/crestron"
)

// effects collects the commands and notifications produced while the state
// lock is held. Commands go out under the wire lock, in mutation order;
// notifications are emitted after both locks are released so an Updater
// may read the accessory without deadlocking.
type effects struct {
	commands []crestron.Command
	updates  []Update
}

// base holds what every variant shares: identity, collaborators, the state
// lock and the characteristic table.
type base struct {
	info    Info
	sender  crestron.Sender
	updater Updater
	logger  Logger

	// wire is held from a state change until its commands are written, so
	// the processor sees writes in the order the cache applied them.
	wire sync.Mutex
	// mu guards the variant's state record for a whole operation.
	mu sync.Mutex

	specs   []Spec
	queries map[Characteristic]string // Get fires this query; absent means cache only
	valueOf func(Characteristic) int  // Reads the variant's state; mu held
}

func newBase(kind Kind, desc Descriptor, deps Deps) base {
	return base{
		info: Info{
			Kind: kind,
			ID:   desc.ID,
			Name: desc.Name,
			UUID: UUIDFor(desc.Name, desc.ID),
		},
		sender:  deps.Sender,
		updater: deps.Updater,
		logger:  deps.Logger,
		queries: make(map[Characteristic]string),
	}
}

// Info returns the accessory identity.
func (b *base) Info() Info {
	return b.info
}

// Characteristics returns the exposed characteristics in declaration order.
func (b *base) Characteristics() []Spec {
	out := make([]Spec, len(b.specs))
	copy(out, b.specs)
	return out
}

func (b *base) spec(c Characteristic) (Spec, error) {
	for _, s := range b.specs {
		if s.Name == c {
			return s, nil
		}
	}
	return Spec{}, fmt.Errorf("%w: %s has no %s", ErrUnknownCharacteristic, b.info.Kind, c)
}

// checkWrite validates a Set request against the characteristic table.
func (b *base) checkWrite(c Characteristic, v int) error {
	s, err := b.spec(c)
	if err != nil {
		return err
	}
	if !s.Writable {
		return fmt.Errorf("%w: %s", ErrReadOnly, c)
	}
	if !s.Contains(v) {
		return fmt.Errorf("%w: %s=%d not in [%d,%d]", ErrOutOfRange, c, v, s.Min, s.Max)
	}
	return nil
}

// Get returns the cached value and fires the characteristic's query, if
// any, so the cache is refreshed for the next read.
func (b *base) Get(ctx context.Context, c Characteristic) (int, error) {
	if _, err := b.spec(c); err != nil {
		return 0, err
	}

	b.mu.Lock()
	v := b.valueOf(c)
	b.mu.Unlock()

	if name, ok := b.queries[c]; ok {
		b.send(ctx, crestron.Query(string(b.info.Kind), b.info.ID, name))
	}
	return v, nil
}

// Snapshot returns every cached value without touching the wire.
func (b *base) Snapshot() map[Characteristic]int {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[Characteristic]int, len(b.specs))
	for _, s := range b.specs {
		out[s.Name] = b.valueOf(s.Name)
	}
	return out
}

// mutate runs fn under the state lock, then emits what it produced as
// local-origin effects.
func (b *base) mutate(ctx context.Context, fn func(e *effects) bool) bool {
	var e effects
	b.wire.Lock()
	b.mu.Lock()
	changed := fn(&e)
	b.mu.Unlock()
	b.sendAll(ctx, e.commands)
	b.wire.Unlock()

	b.notifyAll(e.updates, OriginLocal)
	return changed
}

// subscribe registers fn for the "type:id:name" topic. fn runs under the
// state lock and its effects are emitted as remote-origin.
func (b *base) subscribe(sub Subscriber, name string, fn func(v crestron.Value, e *effects)) {
	topic := crestron.Topic(string(b.info.Kind), b.info.ID, name)
	sub.Subscribe(topic, func(v crestron.Value) {
		if !v.Valid {
			return
		}
		var e effects
		b.wire.Lock()
		b.mu.Lock()
		fn(v, &e)
		b.mu.Unlock()
		b.sendAll(context.Background(), e.commands)
		b.wire.Unlock()

		b.notifyAll(e.updates, OriginRemote)
	})
}

func (b *base) sendAll(ctx context.Context, cmds []crestron.Command) {
	for _, cmd := range cmds {
		b.send(ctx, cmd)
	}
}

func (b *base) notifyAll(updates []Update, origin Origin) {
	for _, u := range updates {
		u.Info = b.info
		u.Origin = origin
		b.updater.UpdateCharacteristic(u)
	}
}

func (b *base) send(ctx context.Context, cmd crestron.Command) {
	err := b.sender.Send(ctx, cmd)
	switch {
	case err == nil:
	case errors.Is(err, crestron.ErrNotConnected):
		b.logDebug("processor offline, command dropped", "command", cmd.String())
	default:
		b.logWarn("command send failed", "command", cmd.String(), "error", err)
	}
}

// setCommand builds a "set<X>" style command for this accessory.
func (b *base) setCommand(name string, v int) crestron.Command {
	return crestron.Set(string(b.info.Kind), b.info.ID, name, v)
}

// notify queues a framework update.
func (e *effects) notify(c Characteristic, v int) {
	e.updates = append(e.updates, Update{Characteristic: c, Value: v})
}

// send queues an outbound command.
func (e *effects) send(cmd crestron.Command) {
	e.commands = append(e.commands, cmd)
}

func (b *base) logDebug(msg string, keysAndValues ...any) {
	if b.logger != nil {
		b.logger.Debug(msg, append([]any{"accessory", b.info.Key()}, keysAndValues...)...)
	}
}

func (b *base) logWarn(msg string, keysAndValues ...any) {
	if b.logger != nil {
		b.logger.Warn(msg, append([]any{"accessory", b.info.Key()}, keysAndValues...)...)
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
