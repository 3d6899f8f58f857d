package qstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testState int

const (
	stateNew testState = iota
	stateOpen
	stateClosed
)

func (s testState) String() string {
	switch s {
	case stateNew:
		return "new"
	case stateOpen:
		return "open"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var table = []Transition[testState]{
	{From: stateNew, To: stateOpen, Name: "open"},
	{From: stateNew, To: stateClosed, Name: "abort"},
	{From: stateOpen, To: stateClosed, Name: "close"},
}

func TestMachine(t *testing.T) {
	var changes []Transition[testState]
	m := New(stateNew, table, func(tr Transition[testState]) {
		changes = append(changes, tr)
	})

	assert.True(t, m.Can(stateOpen))
	assert.False(t, m.Can(stateNew))

	require.NoError(t, m.To(stateOpen))
	assert.Equal(t, stateOpen, m.Current())
	assert.True(t, m.Is(stateNew, stateOpen))

	err := m.To(stateNew)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	var te *TransitionError[testState]
	require.ErrorAs(t, err, &te)
	assert.Equal(t, stateOpen, te.From)
	assert.Equal(t, stateNew, te.To)
	assert.Equal(t, "qstate: invalid transition: open -> new", err.Error())

	require.NoError(t, m.To(stateClosed))
	assert.Equal(t, []Transition[testState]{
		{From: stateNew, To: stateOpen, Name: "open"},
		{From: stateOpen, To: stateClosed, Name: "close"},
	}, changes)
}

func TestMachineNoCallback(t *testing.T) {
	m := New(stateNew, table, nil)
	require.NoError(t, m.To(stateClosed))
	assert.False(t, m.Can(stateOpen))
	assert.Error(t, m.To(stateClosed))
}
