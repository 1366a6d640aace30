package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/nerrad567/gray-logic-crestron/internal/accessory"
	"github.com/nerrad567/gray-logic-crestron/internal/audit"
	"github.com/nerrad567/gray-logic-crestron/internal/bridges/crestron"
	"github.com/nerrad567/gray-logic-crestron/internal/history"
	"github.com/nerrad567/gray-logic-crestron/internal/infrastructure/mqtt"
)

// Platform operation constants.
const (
	// commandTimeout bounds a characteristic write triggered over MQTT.
	commandTimeout = 5 * time.Second

	// updateQueueSize is how many characteristic changes may wait for the
	// fan-out worker before new ones are dropped.
	updateQueueSize = 256

	// pruneInterval is how often history retention is applied.
	pruneInterval = 24 * time.Hour

	// registryTimeout bounds the accessory registry sync at start.
	registryTimeout = 10 * time.Second

	defaultQoS byte = 1
)

// Transport labels for command metrics.
const (
	TransportMQTT = "mqtt"
	TransportAPI  = "api"
)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Options holds configuration for creating a platform.
type Options struct {
	// Crestron holds the processor connection settings. An empty host
	// disables the integration: no accessories are built and nothing is
	// dialled.
	Crestron crestron.Config

	// Accessories are the configured devices, in display order.
	Accessories []accessory.Descriptor

	// SiteID and Version identify the bridge in health messages.
	SiteID  string
	Version string

	// HealthInterval is how often health is published. Default: 30 seconds.
	HealthInterval time.Duration

	// QoS for every MQTT publish and subscription. Default: 1.
	QoS byte

	// HistoryRetention is how long characteristic history is kept.
	// Zero keeps history forever.
	HistoryRetention time.Duration

	// Optional collaborators. A nil value switches the feature off.
	MQTT        MQTTClient
	History     HistoryStore
	Registry    AccessoryRegistry
	TimeSeries  TimeSeriesWriter
	Broadcaster Broadcaster
	Metrics     MetricsRecorder
	Audit       CommandAuditor
	Logger      Logger
}

// Platform owns the processor connection, the dispatcher and the
// accessories, and relays characteristic changes to every sink.
//
// Thread Safety: All methods are safe for concurrent use.
type Platform struct {
	siteID    string
	qos       byte
	retention time.Duration

	dispatcher *crestron.Dispatcher
	conn       *crestron.Connection

	// Built once in New and read-only afterwards.
	accessories map[string]accessory.Accessory
	order       []string

	mqtt        MQTTClient
	history     HistoryStore
	registry    AccessoryRegistry
	series      TimeSeriesWriter
	broadcaster Broadcaster
	metrics     MetricsRecorder
	audit       CommandAuditor
	topics      mqtt.Topics

	historyBreaker *gobreaker.CircuitBreaker
	seriesBreaker  *gobreaker.CircuitBreaker

	health *HealthReporter

	updates        chan accessory.Update
	updatesTotal   atomic.Uint64
	updatesDropped atomic.Uint64

	// Shutdown coordination
	started  atomic.Bool
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc

	logger   Logger
	loggerMu sync.RWMutex
}

// New creates a platform and builds its accessories.
// Call Start to connect and begin serving.
func New(opts Options) (*Platform, error) {
	dispatcher := crestron.NewDispatcher()
	conn, err := crestron.NewConnection(opts.Crestron, dispatcher)
	if err != nil {
		return nil, fmt.Errorf("creating processor connection: %w", err)
	}

	qos := opts.QoS
	if qos == 0 {
		qos = defaultQoS
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Platform{
		siteID:      opts.SiteID,
		qos:         qos,
		retention:   opts.HistoryRetention,
		dispatcher:  dispatcher,
		conn:        conn,
		accessories: make(map[string]accessory.Accessory),
		mqtt:        opts.MQTT,
		history:     opts.History,
		registry:    opts.Registry,
		series:      opts.TimeSeries,
		broadcaster: opts.Broadcaster,
		metrics:     opts.Metrics,
		audit:       opts.Audit,
		updates:     make(chan accessory.Update, updateQueueSize),
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		logger:      opts.Logger,
	}

	if opts.Logger != nil {
		dispatcher.SetLogger(opts.Logger)
		conn.SetLogger(opts.Logger)
	}
	p.historyBreaker = p.newBreaker(SinkHistory)
	p.seriesBreaker = p.newBreaker(SinkInfluxDB)

	if opts.Crestron.Enabled() {
		if err := p.buildAccessories(opts.Accessories, opts.Logger); err != nil {
			cancel()
			return nil, err
		}
	}

	p.health = NewHealthReporter(HealthReporterConfig{
		SiteID:    opts.SiteID,
		Version:   opts.Version,
		Interval:  opts.HealthInterval,
		QoS:       qos,
		Publisher: opts.MQTT,
		Link:      conn,
		Stats:     p.GetMetrics,
		Count:     func() int { return len(p.order) },
	})
	if opts.Logger != nil {
		p.health.SetLogger(opts.Logger)
	}

	conn.SetOnStateChange(p.onLinkState)
	return p, nil
}

// buildAccessories creates one accessory per descriptor through the
// factory. Duplicate kind:id pairs are rejected before anything subscribes.
func (p *Platform) buildAccessories(descs []accessory.Descriptor, logger Logger) error {
	deps := accessory.Deps{
		Sender:     p.conn,
		Subscriber: p.dispatcher,
		Updater:    accessory.UpdaterFunc(p.enqueue),
	}
	if logger != nil {
		deps.Logger = logger
	}

	for _, desc := range descs {
		kind, err := accessory.ParseKind(desc.Type)
		if err != nil {
			return fmt.Errorf("accessory %q: %w", desc.Name, err)
		}
		key := accessory.Info{Kind: kind, ID: desc.ID}.Key()
		if _, exists := p.accessories[key]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateAccessory, key)
		}

		acc, err := accessory.New(desc, deps)
		if err != nil {
			return fmt.Errorf("accessory %s: %w", key, err)
		}
		p.accessories[key] = acc
		p.order = append(p.order, key)
	}
	return nil
}

// Start connects to the processor and begins serving clients.
//
// A disabled integration is not an error: Start logs it and serves an
// empty accessory list. A processor that cannot be reached is retried in
// the background.
func (p *Platform) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	if err := p.health.PublishStarting(); err != nil {
		p.logError("failed to publish starting status", err)
	}

	p.syncRegistry(ctx)

	p.wg.Add(1)
	go p.updateLoop()

	if p.mqtt != nil {
		for _, topic := range []string{p.topics.AllCommands(), p.topics.AllRequests()} {
			if err := p.mqtt.Subscribe(topic, p.qos, p.handleMQTTMessage); err != nil {
				return fmt.Errorf("subscribe to %s: %w", topic, err)
			}
			p.logInfo("subscribed", "topic", topic)
		}
	}

	if err := p.conn.Start(ctx); err != nil {
		if !errors.Is(err, crestron.ErrDisabled) {
			return fmt.Errorf("starting processor connection: %w", err)
		}
		p.logWarn("crestron host not configured, integration disabled")
	}

	for _, key := range p.order {
		p.publishState(p.accessories[key], nil)
	}
	if p.metrics != nil {
		p.metrics.SetAccessories(len(p.order))
	}

	p.health.Start(ctx)

	if p.registry != nil && p.retention > 0 {
		p.wg.Add(1)
		go p.pruneLoop()
	}

	p.logInfo("platform started",
		"site_id", p.siteID,
		"accessories", len(p.order),
		"processor", p.conn.Config().Address())
	return nil
}

// Stop disconnects from the processor and stops all background work.
// Safe to call multiple times.
func (p *Platform) Stop() {
	p.stopOnce.Do(func() {
		if err := p.conn.Close(); err != nil {
			p.logError("closing processor connection", err)
		}

		close(p.done)
		p.cancel()
		p.wg.Wait()

		p.health.Stop()
		p.logInfo("platform stopped")
	})
}

// enqueue is the accessory Updater. It never blocks: when the fan-out
// worker falls behind, the update is dropped and counted.
func (p *Platform) enqueue(u accessory.Update) {
	p.updatesTotal.Add(1)
	select {
	case p.updates <- u:
	default:
		p.updatesDropped.Add(1)
		p.logWarn("update queue full, dropping update",
			"accessory", u.Info.Key(),
			"characteristic", string(u.Characteristic))
	}
}

func (p *Platform) updateLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case u := <-p.updates:
			p.fanOut(u)
		}
	}
}

// onLinkState refreshes every accessory after each (re)connect so caches
// catch up with anything missed while offline.
func (p *Platform) onLinkState(s crestron.State) {
	p.logInfo("processor connection state changed", "state", s.String())
	if s != crestron.StateConnected {
		return
	}

	select {
	case <-p.done:
		return
	default:
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.refreshAll()
	}()
}

// refreshAll fires the query behind every characteristic.
func (p *Platform) refreshAll() {
	for _, key := range p.order {
		acc := p.accessories[key]
		for _, spec := range acc.Characteristics() {
			if p.ctx.Err() != nil {
				return
			}
			if _, err := acc.Get(p.ctx, spec.Name); err != nil {
				p.logDebug("refresh failed", "accessory", key, "characteristic", string(spec.Name), "error", err)
			}
		}
	}
}

// syncRegistry records the configured accessories and removes entries
// for accessories that are no longer configured.
func (p *Platform) syncRegistry(ctx context.Context) {
	if p.registry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, registryTimeout)
	defer cancel()

	for _, key := range p.order {
		info := p.accessories[key].Info()
		rec := history.AccessoryRecord{
			Key:      key,
			Kind:     string(info.Kind),
			DeviceID: info.ID,
			Name:     info.Name,
			UUID:     info.UUID,
		}
		if err := p.registry.SaveAccessory(ctx, rec); err != nil {
			p.logError("failed to save accessory", err, "accessory", key)
		}
	}

	removed, err := p.registry.RemoveStaleAccessories(ctx, p.order)
	if err != nil {
		p.logError("failed to remove stale accessories", err)
		return
	}
	if removed > 0 {
		p.logInfo("removed stale accessories", "count", removed)
	}
}

func (p *Platform) pruneLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	p.prune()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.prune()
		}
	}
}

func (p *Platform) prune() {
	ctx, cancel := context.WithTimeout(p.ctx, registryTimeout)
	defer cancel()

	n, err := p.registry.Prune(ctx, p.retention)
	if err != nil {
		p.logError("history prune failed", err)
		return
	}
	if n > 0 {
		p.logInfo("pruned characteristic history", "rows", n, "retention", p.retention.String())
	}
}

// Accessories returns every accessory in configuration order.
func (p *Platform) Accessories() []accessory.Accessory {
	out := make([]accessory.Accessory, 0, len(p.order))
	for _, key := range p.order {
		out = append(out, p.accessories[key])
	}
	return out
}

// Accessory returns the accessory with the given kind and id.
func (p *Platform) Accessory(kind string, id int) (accessory.Accessory, error) {
	key := accessoryKey(kind, id)
	acc, ok := p.lookup(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccessory, key)
	}
	return acc, nil
}

func accessoryKey(kind string, id int) string {
	return accessory.Info{Kind: accessory.Kind(kind), ID: id}.Key()
}

func (p *Platform) lookup(key string) (accessory.Accessory, bool) {
	acc, ok := p.accessories[key]
	return acc, ok
}

// Get returns the cached value of a characteristic and asks the processor
// for a fresh one.
func (p *Platform) Get(ctx context.Context, kind string, id int, characteristic string) (int, error) {
	acc, err := p.Accessory(kind, id)
	if err != nil {
		return 0, err
	}
	return acc.Get(ctx, accessory.Characteristic(characteristic))
}

// Set writes a characteristic on behalf of an API client.
func (p *Platform) Set(ctx context.Context, kind string, id int, characteristic string, value int) (bool, error) {
	return p.set(ctx, TransportAPI, kind, id, characteristic, value)
}

func (p *Platform) set(ctx context.Context, transport, kind string, id int, characteristic string, value int) (bool, error) {
	acc, err := p.Accessory(kind, id)
	if err != nil {
		p.recordCommand(ctx, transport, accessoryKey(kind, id), characteristic, value, err, false)
		return false, err
	}

	c := accessory.Characteristic(characteristic)
	changed, err := acc.Set(ctx, c, value)
	p.recordCommand(ctx, transport, acc.Info().Key(), characteristic, value, err, changed)
	if err != nil || !changed {
		return false, err
	}

	// The accessory only reports derived changes; the written value
	// itself is reported here.
	p.enqueue(accessory.Update{
		Info:           acc.Info(),
		Characteristic: c,
		Value:          value,
		Origin:         accessory.OriginLocal,
	})
	return true, nil
}

// recordCommand counts a write and appends it to the audit log.
func (p *Platform) recordCommand(ctx context.Context, transport, key, characteristic string, value int, err error, changed bool) {
	result := audit.ResultOK
	switch {
	case err != nil:
		result = audit.ResultError
	case !changed:
		result = audit.ResultUnchanged
	}
	if p.metrics != nil {
		p.metrics.RecordCommand(transport, result)
	}
	if p.audit == nil {
		return
	}

	entry := &audit.Entry{
		Transport:      transport,
		Actor:          actorFrom(ctx),
		Accessory:      key,
		Characteristic: characteristic,
		Value:          value,
		Result:         result,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	// The caller's context may already be cancelled; the record still matters.
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	defer cancel()
	if aerr := p.audit.Create(auditCtx, entry); aerr != nil {
		p.logWarn("audit write failed", "accessory", key, "error", aerr)
	}
}

type actorKey struct{}

// WithActor tags ctx with the identity issuing a write. It is stored in
// the command audit log.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorFrom(ctx context.Context) string {
	actor, _ := ctx.Value(actorKey{}).(string) //nolint:errcheck // empty when unset
	return actor
}

// GetMetrics returns the platform's operational counters.
func (p *Platform) GetMetrics() Statistics {
	return *newStatistics(p.conn.Stats(), p.dispatcher.Stats(), p.updatesTotal.Load(), p.updatesDropped.Load())
}

// LinkStats returns the processor connection counters.
func (p *Platform) LinkStats() crestron.Stats {
	return p.conn.Stats()
}

// HealthCheck reports whether the processor session is up. A disabled
// integration is healthy.
func (p *Platform) HealthCheck(ctx context.Context) error {
	if !p.conn.Config().Enabled() {
		return nil
	}
	return p.conn.HealthCheck(ctx)
}

// Enabled reports whether a processor host is configured.
func (p *Platform) Enabled() bool {
	return p.conn.Config().Enabled()
}

// handleMQTTMessage routes command and request topics.
func (p *Platform) handleMQTTMessage(topic string, payload []byte) {
	category, kind, id, err := mqtt.ParseAccessoryTopic(topic)
	if err != nil {
		p.logWarn("ignoring message on invalid topic", "topic", topic, "error", err)
		return
	}

	switch category {
	case mqtt.CategoryCommand:
		p.handleCommand(kind, id, payload)
	case mqtt.CategoryRequest:
		p.handleRequest(kind, id, payload)
	default:
		p.logDebug("ignoring message", "topic", topic)
	}
}

func (p *Platform) handleCommand(kind string, id int, payload []byte) {
	ack := AckMessage{Accessory: accessoryKey(kind, id)}

	cmd, err := decodeCommand(payload)
	if err != nil {
		ack.CommandID = cmd.ID
		ack.Status = AckFailed
		ack.Error = newAckError(err)
		p.recordCommand(p.ctx, TransportMQTT, ack.Accessory, cmd.Characteristic, 0, err, false)
		p.publishAck(kind, id, ack)
		return
	}

	ack.CommandID = cmd.ID
	ack.Characteristic = cmd.Characteristic

	source := cmd.Source
	if source == "" {
		source = TransportMQTT
	}
	ctx, cancel := context.WithTimeout(WithActor(p.ctx, source), commandTimeout)
	defer cancel()

	changed, err := p.set(ctx, TransportMQTT, kind, id, cmd.Characteristic, *cmd.Value)
	switch {
	case err != nil:
		ack.Status = AckFailed
		ack.Error = newAckError(err)
		p.logWarn("command rejected",
			"accessory", ack.Accessory,
			"characteristic", cmd.Characteristic,
			"error", err)
	case changed:
		ack.Status = AckAccepted
	default:
		ack.Status = AckUnchanged
	}
	p.publishAck(kind, id, ack)
}

func (p *Platform) handleRequest(kind string, id int, payload []byte) {
	resp := ResponseMessage{Accessory: accessoryKey(kind, id)}

	req, err := decodeRequest(payload)
	if err != nil {
		resp.RequestID = req.RequestID
		resp.Error = newAckError(err)
		p.publishResponse(kind, id, resp)
		return
	}
	resp.RequestID = req.RequestID
	resp.Characteristic = req.Characteristic

	acc, err := p.Accessory(kind, id)
	if err != nil {
		resp.Error = newAckError(err)
		p.publishResponse(kind, id, resp)
		return
	}

	if req.Characteristic == "" {
		resp.Success = true
		resp.State = stateMap(acc.Snapshot())
		p.publishResponse(kind, id, resp)
		return
	}

	ctx, cancel := context.WithTimeout(p.ctx, commandTimeout)
	defer cancel()

	v, err := acc.Get(ctx, accessory.Characteristic(req.Characteristic))
	if err != nil {
		resp.Error = newAckError(err)
	} else {
		resp.Success = true
		resp.Value = &v
	}
	p.publishResponse(kind, id, resp)
}

func (p *Platform) publishAck(kind string, id int, ack AckMessage) {
	ack.Timestamp = time.Now().UTC()
	if err := p.publishJSON(p.topics.Ack(kind, id), ack, false); err != nil {
		p.logError("failed to publish ack", err, "accessory", ack.Accessory)
	}
}

func (p *Platform) publishResponse(kind string, id int, resp ResponseMessage) {
	resp.Timestamp = time.Now().UTC()
	if err := p.publishJSON(p.topics.Response(kind, id), resp, false); err != nil {
		p.logError("failed to publish response", err, "accessory", resp.Accessory)
	}
}

func (p *Platform) publishJSON(topic string, v any, retained bool) error {
	if p.mqtt == nil {
		return nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", topic, err)
	}
	err = p.mqtt.Publish(topic, payload, p.qos, retained)
	if p.metrics != nil {
		p.metrics.RecordMQTTPublish(err == nil)
	}
	return err
}

// SetLogger sets the logger for this platform.
func (p *Platform) SetLogger(logger Logger) {
	p.loggerMu.Lock()
	p.logger = logger
	p.loggerMu.Unlock()
}

func (p *Platform) getLogger() Logger {
	p.loggerMu.RLock()
	defer p.loggerMu.RUnlock()
	return p.logger
}

func (p *Platform) logDebug(msg string, keysAndValues ...any) {
	if l := p.getLogger(); l != nil {
		l.Debug(msg, keysAndValues...)
	}
}

func (p *Platform) logInfo(msg string, keysAndValues ...any) {
	if l := p.getLogger(); l != nil {
		l.Info(msg, keysAndValues...)
	}
}

func (p *Platform) logWarn(msg string, keysAndValues ...any) {
	if l := p.getLogger(); l != nil {
		l.Warn(msg, keysAndValues...)
	}
}

func (p *Platform) logError(msg string, err error, keysAndValues ...any) {
	if l := p.getLogger(); l != nil {
		l.Error(msg, append([]any{"error", err}, keysAndValues...)...)
	}
}

// Health returns the current health message.
func (p *Platform) Health() HealthMessage {
	return p.health.Snapshot()
}
