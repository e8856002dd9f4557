package ctxtable

import (
	"fmt"
	"sync"

	"github.com/bytegrid/commfabric/errs"
	"github.com/bytegrid/commfabric/task"
	"github.com/bytegrid/commfabric/telemetry"
)

// declareKind distinguishes the two Declare entry points for ReDeclare replay.
type declareKind int

const (
	declarePushPull declareKind = iota
	declareP2P
)

type declareRecord struct {
	kind        declareKind
	name        string
	opType      task.Kind
	providedKey *uint16
	session     *int
	sender      int
	receiver    int
}

// Table is the process-wide registry mapping a declared tensor name to its
// Context, grounded on the teacher's contextRegistry sync.Map pattern but
// made a plain mutex-guarded map since declarations happen once per tensor
// name, not on every hot-path operation.
type Table struct {
	logger  telemetry.Logger
	metrics telemetry.MetricHook

	mu      sync.Mutex
	byName  map[string]*Context
	order   []string
	log     []declareRecord

	nextKey map[task.Kind]uint16
	p2pByPair map[uint32]uint16
}

// Config configures a Table.
type Config struct {
	Logger  telemetry.Logger
	Metrics telemetry.MetricHook
}

// New constructs an empty Table.
func New(cfg Config) *Table {
	return &Table{
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		byName:    make(map[string]*Context),
		nextKey:   make(map[task.Kind]uint16),
		p2pByPair: make(map[uint32]uint16),
	}
}

func sessionedName(name string, session *int) string {
	if session == nil {
		return name
	}
	return fmt.Sprintf("session_%d_%s", *session, name)
}

// Declare registers name under opType, returning its declared key. Declaring
// an already-known name is idempotent and returns the existing key.
// providedKey, if non-nil, pins the declared key explicitly (used by
// bindings that must match a key assigned by another process); it is an
// error for a providedKey to collide with a different name already holding it.
func (t *Table) Declare(name string, opType task.Kind, providedKey *uint16, session *int) (uint16, error) {
	full := sessionedName(name, session)

	t.mu.Lock()
	defer t.mu.Unlock()

	if ctx, ok := t.byName[full]; ok {
		return ctx.DeclaredKey, nil
	}

	key, err := t.allocateKeyLocked(opType, providedKey)
	if err != nil {
		return 0, err
	}

	ctx := &Context{
		TensorName:     full,
		BaseTensorName: name,
		DeclaredKey:    key,
		OpType:         opType,
	}
	t.byName[full] = ctx
	t.order = append(t.order, full)
	t.log = append(t.log, declareRecord{kind: declarePushPull, name: name, opType: opType, providedKey: providedKey, session: session})

	if t.logger != nil {
		t.logger.Debugf("ctxtable: declared %q op=%s key=%d", full, opType, key)
	}
	return key, nil
}

func (t *Table) allocateKeyLocked(opType task.Kind, providedKey *uint16) (uint16, error) {
	if providedKey != nil {
		for _, ctx := range t.byName {
			if ctx.OpType == opType && ctx.DeclaredKey == *providedKey {
				return 0, errs.New(errs.InvalidArgument, "ctxtable: declared key %d already in use for op %s", *providedKey, opType)
			}
		}
		if next := *providedKey + 1; next > t.nextKey[opType] {
			t.nextKey[opType] = next
		}
		return *providedKey, nil
	}
	key := t.nextKey[opType]
	t.nextKey[opType] = key + 1
	return key, nil
}

// DeclareP2P registers a send/recv pair under a key space indexed by
// (sender<<16)|receiver, separate from the push-pull namespace, forbidding
// self-send/recv.
func (t *Table) DeclareP2P(name string, sender, receiver int) (uint16, error) {
	if sender == receiver {
		return 0, errs.New(errs.InvalidArgument, "ctxtable: p2p self-send/recv forbidden (sender=receiver=%d)", sender)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if ctx, ok := t.byName[name]; ok {
		return ctx.DeclaredKey, nil
	}

	pair := uint32(uint16(sender))<<16 | uint32(uint16(receiver))
	key, ok := t.p2pByPair[pair]
	if !ok {
		key = t.nextKey[task.KindP2P]
		t.nextKey[task.KindP2P] = key + 1
		t.p2pByPair[pair] = key
	}

	ctx := &Context{
		TensorName:  name,
		DeclaredKey: key,
		OpType:      task.KindP2P,
	}
	t.byName[name] = ctx
	t.order = append(t.order, name)
	t.log = append(t.log, declareRecord{kind: declareP2P, name: name, sender: sender, receiver: receiver})

	if t.logger != nil {
		t.logger.Debugf("ctxtable: declared p2p %q sender=%d receiver=%d key=%d", name, sender, receiver, key)
	}
	return key, nil
}

// GetContextFromName looks up an already-declared Context.
func (t *Table) GetContextFromName(name string) (*Context, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ctx, ok := t.byName[name]
	if !ok {
		return nil, errs.New(errs.PreconditionError, "ctxtable: %q was never declared", name)
	}
	return ctx, nil
}

// RegisterCompressor attaches compressor configuration to an already-declared
// context; takes effect at that context's next initialization.
func (t *Table) RegisterCompressor(name string, compressorName string, kwargs map[string]string) error {
	ctx, err := t.GetContextFromName(name)
	if err != nil {
		return err
	}
	ctx.SetCompressor(compressorName, kwargs)
	return nil
}

// ReDeclare replays the declaration log in original order into a fresh
// registry, reproducing identical declared keys — used to recover the
// context table's shape after a coordinated session restart without
// re-running application code that issued the original declarations.
func (t *Table) ReDeclare() {
	t.mu.Lock()
	log := make([]declareRecord, len(t.log))
	copy(log, t.log)
	t.mu.Unlock()

	t.mu.Lock()
	t.byName = make(map[string]*Context)
	t.order = nil
	t.log = nil
	t.nextKey = make(map[task.Kind]uint16)
	t.p2pByPair = make(map[uint32]uint16)
	t.mu.Unlock()

	for _, rec := range log {
		switch rec.kind {
		case declarePushPull:
			t.Declare(rec.name, rec.opType, rec.providedKey, rec.session)
		case declareP2P:
			t.DeclareP2P(rec.name, rec.sender, rec.receiver)
		}
	}
}

// Names returns declared tensor names in declaration order.
func (t *Table) Names() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// Len reports how many contexts are registered.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byName)
}
