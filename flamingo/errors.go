package flamingo

import (
	"errors"
	"fmt"
)

var (
	// ErrTransactionConflict is returned when a transaction is started while
	// another one is still open. Callers retry after it completes.
	ErrTransactionConflict = errors.New("transaction already open")
	// ErrMalformedFact matches every *MalformedFactError
	ErrMalformedFact = errors.New("malformed fact")
	// ErrRuleEvaluation matches every *RuleEvaluationError
	ErrRuleEvaluation = errors.New("rule evaluation failed")
	// ErrEngineStopped is returned by every call made after Stop
	ErrEngineStopped = errors.New("engine stopped")
	// ErrNoTransaction is returned when the store is mutated outside a transaction
	ErrNoTransaction = errors.New("no open transaction")
	// ErrCyclicProgram is returned for rule graphs that are not acyclic
	ErrCyclicProgram = errors.New("rule graph is cyclic")
	// ErrUnknownRelation is returned for lookups on undeclared relations
	ErrUnknownRelation = errors.New("unknown relation")
	// ErrNotQueryable is returned for point lookups on internal arrangements
	ErrNotQueryable = errors.New("arrangement is not queryable")
)

// MalformedFactError reports a fact whose shape does not match its relation.
// It is raised before any transaction mutation.
type MalformedFactError struct {
	Relation string
	Fact     Fact
	Reason   string
	Err      error
}

func (e *MalformedFactError) Error() string {
	msg := fmt.Sprintf("malformed fact %s for relation %q: %s", FormatFact(e.Fact), e.Relation, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedFactError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrMalformedFact) hold.
func (e *MalformedFactError) Is(target error) bool { return target == ErrMalformedFact }

// RuleEvaluationError reports a rule stage failure. It aborts the
// transaction, never the process.
type RuleEvaluationError struct {
	Rule  string
	Stage string
	Err   error
}

func (e *RuleEvaluationError) Error() string {
	return fmt.Sprintf("rule %q stage %q: %v", e.Rule, e.Stage, e.Err)
}

func (e *RuleEvaluationError) Unwrap() error { return e.Err }

func (e *RuleEvaluationError) Is(target error) bool { return target == ErrRuleEvaluation }

// UnexpectedVariantError is returned by As when a fact is not of the
// requested variant.
type UnexpectedVariantError struct {
	Relation string
	Want     string
	Got      string
}

func (e *UnexpectedVariantError) Error() string {
	return fmt.Sprintf("relation %q: expected variant %s, got %s", e.Relation, e.Want, e.Got)
}
