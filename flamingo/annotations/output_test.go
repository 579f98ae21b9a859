package annotations

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	assert.False(t, c.Enabled())
	c.Add(Event{Name: TxBegin})
	c.AddTiming(TxCommit, time.Now(), nil)
	c.Reset()
	assert.Nil(t, c.Events())
	assert.Nil(t, NewCollector(nil))
}

func TestRecorderKeepsOrder(t *testing.T) {
	var seen []string
	rec := NewRecorder()
	rec.handler = func(e Event) { seen = append(seen, e.Name) }

	rec.Add(Event{Name: TxBegin})
	rec.AddTiming(TxFlush, time.Now(), map[string]interface{}{"flush": 1})
	rec.Add(Event{Name: TxCommit})

	assert.Equal(t, []string{TxBegin, TxFlush, TxCommit}, rec.Names())
	assert.Equal(t, rec.Names(), seen)

	rec.Reset()
	assert.Empty(t, rec.Events())
}

func TestTee(t *testing.T) {
	var a, b int
	h := Tee(func(Event) { a++ }, nil, func(Event) { b++ })
	h(Event{Name: TxBegin})
	assert.Equal(t, 1, a)
	assert.Equal(t, 1, b)
}

func TestFormatEvents(t *testing.T) {
	var buf bytes.Buffer
	f := NewOutputFormatter(&buf)

	tests := []struct {
		event Event
		want  string
	}{
		{
			Event{Name: TxCommit, Data: map[string]interface{}{"tx.id": uint64(7), "facts.count": 3}},
			"Committed tx 7 with 3 facts",
		},
		{
			Event{Name: TxRollback, Data: map[string]interface{}{"reason": errors.New("boom")}},
			"Rolled back: boom",
		},
		{
			Event{Name: TxFlush, Data: map[string]interface{}{
				"flush":     1,
				"relations": []string{"Action", "OutFluent"},
				"sizes":     map[string]int{"Action": 1, "OutFluent": 2},
			}},
			"Flush #1 changed [Relation(Action, 1 Facts) Relation(OutFluent, 2 Facts)]",
		},
		{
			Event{Name: StageJoin, Data: map[string]interface{}{
				"rule": "Window/0", "stage": "width", "arrangement": "Attribute[width by oid]",
				"left.size": 1, "right.size": 2, "result.size": 1,
			}},
			"Window/0/width Δ(1 Facts) ⋈ Relation(Attribute[width by oid], 2 Facts) → 1 Facts",
		},
		{
			Event{Name: DispatchCompleted, Data: map[string]interface{}{
				"dispatch.id": "1b4e28ba-2fa1-11d2-883f-0016d3cca427", "success": true, "output.count": 2,
			}},
			"Dispatch 1b4e28ba done with 2 outputs",
		},
		{
			Event{Name: DispatchCompleted, Data: map[string]interface{}{
				"dispatch.id": "abc", "success": false, "error": "conflict",
			}},
			"Dispatch abc failed: conflict",
		},
	}

	for _, tt := range tests {
		t.Run(tt.event.Name, func(t *testing.T) {
			got := f.Format(tt.event)
			assert.True(t, strings.HasPrefix(got, "["), "latency prefix missing: %q", got)
			assert.Contains(t, got, tt.want)
		})
	}

	f.Handle(Event{Name: TxBegin})
	require.Contains(t, buf.String(), "Transaction started")
}
