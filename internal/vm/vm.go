package vm

import (
	"fmt"
	"time"

	"github.com/R3E-Network/hyperstack/internal/audit"
	"github.com/R3E-Network/hyperstack/internal/specast"
	"github.com/R3E-Network/hyperstack/internal/vmcompile"
	"github.com/R3E-Network/hyperstack/pkg/logger"
	"github.com/R3E-Network/hyperstack/pkg/metrics"
	"github.com/sirupsen/logrus"
)

// Config bounds one VM instance's runtime tables (spec.md §4.3.6, §3.2),
// defaulted from pkg/config in cmd/hyperstack.
type Config struct {
	PendingMaxTotal   int
	PendingMaxPerPDA  int
	PendingMaxRetries int
	PendingStaleness  time.Duration

	FlushCascadeMaxDepth int
	UniqueCountExactCap  int
	DefaultMaxAppendLen  int
}

// VM owns one entity's state table, lookup index, PDA reverse-lookup
// tables, and pending-update queue, and is driven serially by
// ProcessEvent (spec.md §4.3.1: "calls ... are serial per VM instance").
// It holds no locks: callers are responsible for ensuring only one
// goroutine drives a given VM at a time (internal/source's single-
// consumer dispatch loop does this by construction, see cmd/hyperstack).
type VM struct {
	entity *vmcompile.CompiledEntity
	cfg    Config

	state          *stateTable
	lookupIndexes  map[string]*lookupIndex        // "section.field" -> index
	reverseLookups map[string]*reverseLookupTable // table_name -> table
	pending        *pendingQueue

	metrics *metrics.Metrics
	log     *logrus.Entry
	audit   *audit.Recorder // nil disables audit persistence; see internal/audit
}

// New builds a VM for one compiled entity. auditSink may be nil, which
// disables the §7 error-taxonomy audit trail without otherwise changing
// behavior.
func New(entity *vmcompile.CompiledEntity, cfg Config, m *metrics.Metrics, log *logger.Logger, auditSink *audit.Recorder) *VM {
	var entry *logrus.Entry
	if log != nil {
		entry = log.Component("vm").WithField("entity", entity.Name)
	}

	lookups := make(map[string]*lookupIndex, len(entity.LookupIndexes))
	for _, path := range entity.LookupIndexes {
		lookups[path] = newLookupIndex()
	}

	reverse := make(map[string]*reverseLookupTable)
	for _, hook := range entity.InstructionHooks {
		if hook.RegisterLookup != nil {
			if _, ok := reverse[hook.RegisterLookup.TableName]; !ok {
				reverse[hook.RegisterLookup.TableName] = newReverseLookupTable()
			}
		}
	}

	return &VM{
		entity:         entity,
		cfg:            cfg,
		state:          newStateTable(entity.Name, entity.Capacity, m),
		lookupIndexes:  lookups,
		reverseLookups: reverse,
		pending: newPendingQueue(entity.Name, pendingQueueConfig{
			MaxTotal:   cfg.PendingMaxTotal,
			MaxPerPDA:  cfg.PendingMaxPerPDA,
			MaxRetries: cfg.PendingMaxRetries,
			Staleness:  cfg.PendingStaleness,
		}, m),
		metrics: m,
		log:     entry,
		audit:   auditSink,
	}
}

// recordAudit is a nil-safe fire-and-forget wrapper; auditSink may be nil.
func (vm *VM) recordAudit(kind audit.Kind, key, message string) {
	if vm.audit == nil {
		return
	}
	vm.audit.RecordAsync(kind, vm.entity.Name, key, message)
}

// ProcessEvent runs the full pipeline of spec.md §4.3.2 for one event and
// returns the mutations it produced, ordered by primary-key insertion
// order within this call (entity-declaration ordering across multiple
// entities is the caller's responsibility — see internal/source's fan-out
// over one VM per entity).
func (vm *VM) ProcessEvent(eventType string, payload []byte, accounts map[string]string, ctx EventContext) []Mutation {
	start := time.Now()
	defer func() {
		if vm.metrics != nil {
			vm.metrics.RecordEvent(eventType, time.Since(start))
		}
	}()

	if !vm.entity.InterestedIn(eventType) {
		return nil
	}

	var mutations []Mutation
	func() {
		defer func() {
			if r := recover(); r != nil {
				// Handler panic: event abandoned, state table untouched
				// for any key not already committed in this call
				// (spec.md §4.3.7's transactional-boundary row).
				if vm.metrics != nil {
					vm.metrics.HandlerInternalErrs.WithLabelValues(vm.entity.Name).Inc()
				}
				if vm.log != nil {
					vm.log.WithField("event_type", eventType).WithField("panic", r).
						Warn("handler internal error, event abandoned")
				}
				vm.recordAudit(audit.KindHandlerInternal, "", fmt.Sprintf("event_type=%s panic=%v", eventType, r))
				mutations = nil
			}
		}()
		mutations = vm.processEventInner(eventType, payload, accounts, ctx, 0)
	}()
	return mutations
}

func (vm *VM) processEventInner(eventType string, payload []byte, accounts map[string]string, ctx EventContext, cascadeDepth int) []Mutation {
	resolution := vm.resolveKey(eventType, payload, accounts)

	switch resolution.kind {
	case resolutionSkip:
		return nil

	case resolutionQueueUntil:
		vm.pending.Enqueue(resolution.pdaAddr, &PendingUpdate{
			EventType:      eventType,
			Payload:        payload,
			Accounts:       accounts,
			Ctx:            ctx,
			Discriminators: resolution.discrim,
		})
		return nil
	}

	keyMutations, fired := vm.applyToKey(resolution.key, eventType, payload, accounts, ctx)
	out := append([]Mutation(nil), keyMutations...)

	if cascadeDepth >= vm.cfg.maxCascade() {
		return out
	}
	for _, f := range fired {
		for _, update := range vm.pending.Flush(f.pdaAddr, f.discriminator) {
			sub := vm.processEventInner(update.EventType, update.Payload, update.Accounts, update.Ctx, cascadeDepth+1)
			out = append(out, sub...)
		}
	}
	return out
}

// lookupFired records one instruction hook's reverse-lookup registration,
// naming the PDA address it just resolved and the discriminator value
// that should flush any pending update parked on it (spec.md §4.3.3's
// QUEUED → FLUSHED transition).
type lookupFired struct {
	pdaAddr       string
	discriminator string
}

func (c Config) maxCascade() int {
	if c.FlushCascadeMaxDepth <= 0 {
		return 16
	}
	return c.FlushCascadeMaxDepth
}

// applyToKey runs steps 3-8 of spec.md §4.3.2 against a resolved key,
// returning the mutations it produced (an LRU-evicted record's own
// `delete` mutation, if any, ordered ahead of this event's own mutation)
// and the set of PDA tables whose reverse lookups were just registered by
// an instruction hook, so the caller can attempt to flush their pending
// queues.
func (vm *VM) applyToKey(key, eventType string, payload []byte, accounts map[string]string, ctx EventContext) ([]Mutation, []lookupFired) {
	var evicted *Record
	rec, _ := vm.state.GetOrCreate(key, func(victim *Record) {
		evicted = victim
	})

	dirty := newDirtyTracker()
	params := conditionParams(payload, accounts)

	for _, op := range vm.entity.EventOpcodes[eventType] {
		vm.applyOpcode(rec, op, payload, accounts, params, dirty)
	}

	for _, cop := range vm.entity.ComputedOpcodes {
		value, err := evalComputed(cop.Expression, rec.Fields)
		if err != nil {
			if vm.metrics != nil {
				vm.metrics.ComputeFailures.WithLabelValues(vm.entity.Name, cop.FieldName).Inc()
			}
			rec.Fields[cop.FieldName] = nil
		} else {
			rec.Fields[cop.FieldName] = value
		}
		dirty.setReplaced(cop.FieldName, rec.Fields[cop.FieldName])
	}

	var fired []lookupFired
	for _, hook := range vm.entity.InstructionHooks {
		if hook.InstructionType != eventType {
			continue
		}
		if hook.RegisterLookup != nil {
			pdaAddr := extractPath(hook.RegisterLookup.PDAFieldPath, payload, accounts)
			seed := extractPath(hook.RegisterLookup.SeedFieldPath, payload, accounts)
			if pdaAddr != "" {
				vm.reverseLookups[hook.RegisterLookup.TableName].Register(pdaAddr, seed)
				discriminator := hook.Discriminator
				if discriminator == "" {
					discriminator = hook.InstructionType
				}
				fired = append(fired, lookupFired{pdaAddr: pdaAddr, discriminator: discriminator})
			}
		}
		for _, set := range hook.DirectFieldSets {
			var value interface{}
			if set.ValuePath != nil {
				value = set.ValuePath.Extract(payload).Value()
			}
			applyAggregate(rec, set.TargetField, set.Strategy, value, vm.cfg.UniqueCountExactCap)
			dirty.setReplaced(set.TargetField, rec.Fields[set.TargetField])
		}
	}

	// Maintain the secondary lookup indexes from the record's current
	// field values, so a later event carrying only the secondary
	// identifier can recover this primary key (spec.md §4.3.2 step 2b).
	for _, path := range vm.entity.LookupIndexes {
		if v, ok := rec.Fields[bareFieldName(path)].(string); ok && v != "" {
			vm.lookupIndexes[path].Set(v, key)
		}
	}

	rec.Version++
	vm.state.Touch(key)

	var mutation *Mutation
	if !dirty.isEmpty() {
		mutation = &Mutation{Export: vm.entity.Name, Key: key, Patch: dirty.patch()}
		mutation.Patch["_seq"] = ctx.seq()
		if vm.metrics != nil {
			vm.metrics.MutationsEmitted.WithLabelValues(vm.entity.Name).Inc()
		}
	}

	var out []Mutation
	if evicted != nil {
		// spec.md §4.3.6 step 3: drop the victim's secondary-index
		// entries and any pending updates parked on its secondary
		// addresses along with the record itself.
		for _, path := range vm.entity.LookupIndexes {
			if v, ok := evicted.Fields[bareFieldName(path)].(string); ok && v != "" {
				vm.lookupIndexes[path].Delete(v)
				vm.pending.Drop(v)
			}
		}
		// spec.md §4.3.6 step 2: the evicted record gets its own delete
		// mutation, ordered ahead of the admitting event's own mutation.
		// internal/projector turns the reserved "_deleted" patch key into
		// a Frame{op:"delete"} (spec.md §3.3); there is no separate
		// Mutation.Op field to carry this more directly.
		out = append(out, Mutation{
			Export: vm.entity.Name,
			Key:    evicted.Key,
			Patch:  map[string]interface{}{"_deleted": true, "_seq": ctx.seq()},
		})
		if vm.metrics != nil {
			vm.metrics.CapacityExceeded.WithLabelValues(vm.entity.Name).Inc()
		}
		vm.recordAudit(audit.KindCapacityExceeded, evicted.Key, "evicted by LRU capacity limit")
	}
	if mutation != nil {
		out = append(out, *mutation)
	}

	return out, fired
}

func (vm *VM) applyOpcode(rec *Record, op vmcompile.FieldOpcode, payload []byte, accounts map[string]string, params map[string]interface{}, dirty *dirtyTracker) {
	if !evalCondition(op.Condition, params) {
		return
	}

	var value interface{}
	if op.SourcePath != nil {
		value = op.SourcePath.Extract(payload).Value()
	}
	value = applyTransform(op.Transform, value, vm.entity.Name, op.TargetField, vm.metrics)

	switch op.Strategy {
	case specast.StrategySetOnce:
		if rec.Fields[op.TargetField] == nil {
			rec.Fields[op.TargetField] = value
			dirty.setReplaced(op.TargetField, value)
		}

	case specast.StrategyLastWrite:
		rec.Fields[op.TargetField] = value
		dirty.setReplaced(op.TargetField, value)

	case specast.StrategyAppend:
		vm.appendField(rec, op.TargetField, value, dirty)

	case specast.StrategySum, specast.StrategyCount, specast.StrategyMin, specast.StrategyMax, specast.StrategyUniqueCount:
		applyAggregate(rec, op.TargetField, op.Strategy, value, vm.cfg.UniqueCountExactCap)
		dirty.setReplaced(op.TargetField, rec.Fields[op.TargetField])

	default:
		rec.Fields[op.TargetField] = value
		dirty.setReplaced(op.TargetField, value)
	}
}

// appendField implements the Append strategy with SPEC_FULL.md §C.3's
// ring-buffer length cap: beyond max_append_len, the oldest element is
// dropped from the front so memory stays bounded, and the dirty tracker
// still records the appended element (the delete-from-front is implicit
// in downstream consumers replaying appends up to the cap).
func (vm *VM) appendField(rec *Record, field string, value interface{}, dirty *dirtyTracker) {
	existing, _ := rec.Fields[field].([]interface{})
	existing = append(existing, value)

	maxLen := vm.cfg.DefaultMaxAppendLen
	if maxLen > 0 && len(existing) > maxLen {
		existing = existing[len(existing)-maxLen:]
	}
	rec.Fields[field] = existing
	rec.appendLens[field] = len(existing)
	dirty.addAppended(field, value)
}

// resolveKey implements spec.md §4.3.2 step 2 / §4.3.3: direct extraction,
// then lookup-index recovery, then the resolver hook's reverse-lookup
// table, ending in Skip if nothing applies.
//
// Direct extraction tries, in order, the primary key field's own compiled
// binding path (when the field declares one), then a bare-name lookup of
// the field on the raw payload (the common case: most events simply carry
// the key under its own field name even when no handler mapping targets
// it, e.g. a Trade event that only updates an aggregate still carries
// "mint"), then the accounts map under the full and bare field names.
func (vm *VM) resolveKey(eventType string, payload []byte, accounts map[string]string) keyResolution {
	bareKey := bareFieldName(vm.entity.PrimaryKey)

	if vm.entity.PrimaryKeyPath != nil {
		if v := vm.entity.PrimaryKeyPath.Extract(payload); v.Exists() {
			return found(v.String())
		}
	}
	if v := gjsonGet(payload, bareKey); v != "" {
		return found(v)
	}
	if v, ok := accounts[vm.entity.PrimaryKey]; ok && v != "" {
		return found(v)
	}
	if v, ok := accounts[bareKey]; ok && v != "" {
		return found(v)
	}

	for path, accessor := range vm.entity.LookupIndexPaths {
		secondary := ""
		if accessor != nil {
			if result := accessor.Extract(payload); result.Exists() {
				secondary = result.String()
			}
		}
		if secondary == "" {
			secondary = gjsonGet(payload, bareFieldName(path))
		}
		if secondary == "" {
			continue
		}
		if key, ok := vm.lookupIndexes[path].Get(secondary); ok {
			return found(key)
		}
	}

	resolver, ok := vm.entity.Resolvers[eventType]
	if !ok {
		return skip()
	}

	pdaAddr := extractPath(resolver.PDAFieldPath, payload, accounts)
	if pdaAddr == "" {
		if vm.metrics != nil {
			vm.metrics.ResolverMisses.WithLabelValues(vm.entity.Name, eventType).Inc()
		}
		return skip()
	}

	for _, table := range vm.reverseLookups {
		if seed, ok := table.Resolve(pdaAddr); ok {
			return found(seed)
		}
	}

	if vm.metrics != nil {
		vm.metrics.ResolverMisses.WithLabelValues(vm.entity.Name, eventType).Inc()
	}
	return queueUntil(pdaAddr, resolver.QueueDiscriminators)
}

// Sweep expires stale/over-retried pending updates; called periodically
// by cmd/hyperstack's scheduler loop (spec.md §4.3.3's staleness timer).
func (vm *VM) Sweep() int {
	expired := vm.pending.ExpireStaleAndOverRetried()
	if expired > 0 {
		vm.recordAudit(audit.KindPendingExpired, "", fmt.Sprintf("%d pending update(s) expired", expired))
	}
	return expired
}

// Entity exposes the compiled entity this VM runs, so internal/scheduler
// can read its ResolveOpcodes without internal/vm depending back on the
// scheduler.
func (vm *VM) Entity() *vmcompile.CompiledEntity { return vm.entity }

// Snapshot returns a shallow copy of one record's fields, for building a
// Resolve binding's URL template and as a no-op/empty result if the key
// isn't resident (the record was evicted or never seen).
func (vm *VM) Snapshot(key string) (map[string]interface{}, bool) {
	rec, ok := vm.state.Get(key)
	if !ok {
		return nil, false
	}
	out := make(map[string]interface{}, len(rec.Fields))
	for k, v := range rec.Fields {
		out[k] = v
	}
	return out, true
}

// Keys returns every key currently resident in this VM's state table, for
// the scheduler to enumerate when registering Resolve callbacks.
func (vm *VM) Keys() []string {
	return vm.state.Keys()
}

// ApplyResolved commits a value fetched by a scheduled Resolve callback
// directly into a record, applying the same strategy/transform pipeline
// applyOpcode uses for event-driven fields (spec.md §3.1's Resolve
// binding has no event payload to read from, only the fetched value).
// Returns nil if the key is no longer resident (evicted since the
// callback was registered) or nothing changed.
func (vm *VM) ApplyResolved(key, field string, value interface{}, strategy specast.Strategy, transform specast.TransformKind) *Mutation {
	rec, ok := vm.state.Get(key)
	if !ok {
		return nil
	}

	dirty := newDirtyTracker()
	value = applyTransform(transform, value, vm.entity.Name, field, vm.metrics)

	switch strategy {
	case specast.StrategySetOnce:
		if rec.Fields[field] == nil {
			rec.Fields[field] = value
			dirty.setReplaced(field, value)
		}
	case specast.StrategyAppend:
		vm.appendField(rec, field, value, dirty)
	case specast.StrategySum, specast.StrategyCount, specast.StrategyMin, specast.StrategyMax, specast.StrategyUniqueCount:
		applyAggregate(rec, field, strategy, value, vm.cfg.UniqueCountExactCap)
		dirty.setReplaced(field, rec.Fields[field])
	default:
		rec.Fields[field] = value
		dirty.setReplaced(field, value)
	}

	if dirty.isEmpty() {
		return nil
	}
	rec.Version++
	vm.state.Touch(key)
	mutation := &Mutation{Export: vm.entity.Name, Key: key, Patch: dirty.patch()}
	if vm.metrics != nil {
		vm.metrics.MutationsEmitted.WithLabelValues(vm.entity.Name).Inc()
	}
	return mutation
}

// bareFieldName strips a "section.field" path down to its trailing field
// name, since accounts maps and raw event payloads generally key the
// primary key by its own name rather than its fully qualified path.
func bareFieldName(path string) string {
	return specast.BaseFieldName(path)
}

func extractPath(path string, payload []byte, accounts map[string]string) string {
	if path == "" {
		return ""
	}
	if v, ok := accounts[path]; ok {
		return v
	}
	return (&pathAccessorAdHoc{path: path}).extract(payload)
}

// pathAccessorAdHoc reads an uninterned path, used for the handful of
// resolver/hook paths that aren't compiled into the opcode table (they
// key reverse-lookup tables rather than feeding field application).
type pathAccessorAdHoc struct{ path string }

func (p *pathAccessorAdHoc) extract(payload []byte) string {
	return gjsonGet(payload, p.path)
}

func conditionParams(payload []byte, accounts map[string]string) map[string]interface{} {
	params := make(map[string]interface{}, len(accounts)+4)
	for k, v := range accounts {
		params[k] = v
	}
	flattenJSON(payload, "", params)
	return params
}
