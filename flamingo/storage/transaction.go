package storage

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/d4hines/window-alm-3/flamingo"
	"github.com/d4hines/window-alm-3/flamingo/program"
)

// OpKind identifies a staged operation
type OpKind int

const (
	OpInsert OpKind = iota
	OpDelete
	OpUpsert
	OpClear
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpDelete:
		return "delete"
	case OpUpsert:
		return "upsert"
	case OpClear:
		return "clear"
	default:
		return fmt.Sprintf("op(%d)", int(k))
	}
}

// Op is one operation staged in a transaction. Relation defaults to the
// fact's own relation.
type Op struct {
	Kind     OpKind
	Relation string
	Fact     flamingo.Fact
}

// Insert stages a fact insertion
func Insert(f flamingo.Fact) Op { return Op{Kind: OpInsert, Fact: f} }

// Delete stages a fact deletion; deleting an absent fact is a no-op
func Delete(f flamingo.Fact) Op { return Op{Kind: OpDelete, Fact: f} }

// Upsert replaces every fact sharing f's key with f
func Upsert(f flamingo.Fact) Op { return Op{Kind: OpUpsert, Fact: f} }

// Clear deletes the whole visible extension of a relation
func Clear(relation string) Op { return Op{Kind: OpClear, Relation: relation} }

func (o Op) relation() string {
	if o.Relation != "" || o.Fact == nil {
		return o.Relation
	}
	return o.Fact.Relation()
}

// Executor evaluates the rules of a program over a set of input changes,
// applying the resulting deltas to the store. It returns the visible
// changes of every relation touched.
type Executor interface {
	Execute(store *Store, input flamingo.Changes) (flamingo.Changes, error)
}

// FaultHook is called at named points of a commit. A non-nil error aborts
// the transaction as if evaluation had failed.
type FaultHook func(site string) error

// FaultSiteFlush fires after a flush has been applied to the store
const FaultSiteFlush = "flush"

// TxState is the state of a transaction
type TxState int

const (
	TxOpen TxState = iota
	TxCommitted
	TxRolledBack
)

func (s TxState) String() string {
	switch s {
	case TxOpen:
		return "open"
	case TxCommitted:
		return "committed"
	case TxRolledBack:
		return "rolled back"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Coordinator serializes transactions over a store. At most one
// transaction is open at a time; a second Start fails fast.
type Coordinator struct {
	store     *Store
	exec      Executor
	fault     FaultHook
	txCounter atomic.Uint64

	mu     sync.Mutex
	active *Transaction
}

// NewCoordinator creates a coordinator over store using exec for rule evaluation
func NewCoordinator(store *Store, exec Executor, fault FaultHook) *Coordinator {
	return &Coordinator{store: store, exec: exec, fault: fault}
}

// Store returns the coordinated store
func (c *Coordinator) Store() *Store { return c.store }

// LastTxID returns the ID of the most recent successful commit
func (c *Coordinator) LastTxID() uint64 { return c.txCounter.Load() }

// Start opens a transaction
func (c *Coordinator) Start() (*Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil {
		return nil, flamingo.ErrTransactionConflict
	}
	if err := c.store.Begin(); err != nil {
		return nil, err
	}
	tx := &Transaction{
		c:       c,
		pending: make(flamingo.Changes),
		total:   make(flamingo.Changes),
	}
	c.active = tx
	return tx, nil
}

// Active reports whether a transaction is open
func (c *Coordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

func (c *Coordinator) release(tx *Transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == tx {
		c.active = nil
	}
}

// Transaction stages operations and applies them to the store on Flush
// or Commit. Methods must not be called concurrently.
type Transaction struct {
	c       *Coordinator
	state   TxState
	id      uint64
	pending flamingo.Changes // staged since the last flush
	total   flamingo.Changes // visible changes of every flush so far
	flushes int
}

// State returns the transaction state
func (t *Transaction) State() TxState { return t.state }

// ID returns the commit sequence number; zero until committed
func (t *Transaction) ID() uint64 { return t.id }

// Changes returns the visible changes of every flush so far
func (t *Transaction) Changes() flamingo.Changes { return t.total }

// Apply validates and stages operations. Validation happens for the whole
// batch before anything is staged.
func (t *Transaction) Apply(ops ...Op) error {
	if t.state != TxOpen {
		return fmt.Errorf("apply: transaction %s: %w", t.state, flamingo.ErrNoTransaction)
	}
	prog := t.c.store.Program()
	for _, op := range ops {
		if err := t.check(prog, op); err != nil {
			return err
		}
	}
	for _, op := range ops {
		rel, _ := prog.Relation(op.relation())
		switch op.Kind {
		case OpInsert:
			t.insert(rel, op.Fact)
		case OpDelete:
			t.delete(rel, op.Fact)
		case OpUpsert:
			t.upsert(rel, op.Fact)
		case OpClear:
			t.clear(rel)
		}
	}
	return nil
}

func (t *Transaction) check(prog *program.Program, op Op) error {
	name := op.relation()
	switch op.Kind {
	case OpClear:
		rel, ok := prog.Relation(name)
		if !ok {
			return fmt.Errorf("clear %q: %w", name, flamingo.ErrUnknownRelation)
		}
		if !rel.Input {
			return &flamingo.MalformedFactError{Relation: name, Reason: "cannot clear a derived relation"}
		}
		return nil
	case OpInsert, OpDelete, OpUpsert:
		if err := prog.CheckInput(name, op.Fact); err != nil {
			return err
		}
		if op.Kind == OpUpsert {
			rel, _ := prog.Relation(name)
			if rel.Key == nil {
				return &flamingo.MalformedFactError{Relation: name, Fact: op.Fact, Reason: "upsert on a relation without key"}
			}
			if _, ok := rel.Key(op.Fact); !ok {
				return &flamingo.MalformedFactError{Relation: name, Fact: op.Fact, Reason: "fact has no key"}
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown operation %v", op.Kind)
	}
}

// effective is the count a fact will have once staged operations apply
func (t *Transaction) effective(rel string, f flamingo.Fact) int {
	return t.c.store.Count(rel, f) + t.pending[rel].Weight(f)
}

func (t *Transaction) stage(rel string, f flamingo.Fact, weight int) {
	d, ok := t.pending[rel]
	if !ok {
		d = flamingo.NewDelta()
		t.pending[rel] = d
	}
	d.Add(f, weight)
}

func (t *Transaction) insert(rel *program.Relation, f flamingo.Fact) {
	if rel.Distinct && t.effective(rel.Name, f) > 0 {
		return
	}
	t.stage(rel.Name, f, 1)
}

func (t *Transaction) delete(rel *program.Relation, f flamingo.Fact) {
	if t.effective(rel.Name, f) <= 0 {
		return
	}
	t.stage(rel.Name, f, -1)
}

func (t *Transaction) upsert(rel *program.Relation, f flamingo.Fact) {
	key, _ := rel.Key(f)
	seen := map[flamingo.Fact]bool{f: true}
	var stale []flamingo.Fact

	arr, err := t.c.store.Arrangement(program.ArrangementRef{Relation: rel.Name, Name: program.KeyArrangement})
	if err == nil {
		for _, c := range arr.Lookup(key) {
			if !seen[c.Fact] {
				seen[c.Fact] = true
				stale = append(stale, c.Fact)
			}
		}
	}
	for _, c := range t.pending[rel.Name].Sorted() {
		if k, ok := rel.Key(c.Fact); ok && k == key && !seen[c.Fact] {
			seen[c.Fact] = true
			stale = append(stale, c.Fact)
		}
	}

	for _, g := range stale {
		if e := t.effective(rel.Name, g); e > 0 {
			t.stage(rel.Name, g, -e)
		}
	}
	if e := t.effective(rel.Name, f); e != 1 {
		t.stage(rel.Name, f, 1-e)
	}
}

func (t *Transaction) clear(rel *program.Relation) {
	snapshot, _ := t.c.store.Snapshot(rel.Name)
	facts := make([]flamingo.Fact, 0, len(snapshot))
	for _, c := range snapshot {
		facts = append(facts, c.Fact)
	}
	for _, c := range t.pending[rel.Name].Sorted() {
		facts = append(facts, c.Fact)
	}
	for _, f := range facts {
		if e := t.effective(rel.Name, f); e > 0 {
			t.stage(rel.Name, f, -e)
		}
	}
}

// Staged returns the operations staged since the last flush as net
// per-relation deltas
func (t *Transaction) Staged() flamingo.Changes { return t.pending }

// Flush evaluates the staged operations and applies them to the store.
// The transaction stays open and a later Rollback still reverts the
// flushed changes. On error the transaction is rolled back.
func (t *Transaction) Flush() (flamingo.Changes, error) {
	if t.state != TxOpen {
		return nil, fmt.Errorf("flush: transaction %s: %w", t.state, flamingo.ErrNoTransaction)
	}
	input := t.pending
	t.pending = make(flamingo.Changes)

	changes, err := t.c.exec.Execute(t.c.store, input)
	if err == nil && t.c.fault != nil {
		err = t.c.fault(FaultSiteFlush)
	}
	if err != nil {
		t.abort()
		return nil, err
	}
	t.flushes++
	t.total.Merge(changes)
	return changes, nil
}

// Commit flushes any staged operations and closes the transaction
func (t *Transaction) Commit() error {
	_, err := t.CommitAndDumpChanges()
	return err
}

// CommitAndDumpChanges flushes staged operations, closes the transaction
// and returns the visible changes of that final flush.
func (t *Transaction) CommitAndDumpChanges() (flamingo.Changes, error) {
	changes, err := t.Flush()
	if err != nil {
		return nil, err
	}
	t.c.store.Commit()
	t.state = TxCommitted
	t.id = t.c.txCounter.Add(1)
	t.c.release(t)
	return changes, nil
}

// Rollback discards staged operations and reverts flushed ones
func (t *Transaction) Rollback() error {
	if t.state != TxOpen {
		return fmt.Errorf("rollback: transaction %s: %w", t.state, flamingo.ErrNoTransaction)
	}
	t.abort()
	return nil
}

func (t *Transaction) abort() {
	t.c.store.Rollback()
	t.pending = make(flamingo.Changes)
	t.total = make(flamingo.Changes)
	t.state = TxRolledBack
	t.c.release(t)
}
