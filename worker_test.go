package daemonfx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubject_InvokeDispatchesRegisteredOperation(t *testing.T) {
	s := NewSubject("echo").On("reflect", func(args []any) (any, error) {
		return args, nil
	})
	result, err := s.Invoke("reflect", []any{"a", 1})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", 1}, result)
}

func TestSubject_InvokeUnknownMethodErrors(t *testing.T) {
	s := NewSubject("echo")
	_, err := s.Invoke("missing", nil)
	assert.Error(t, err)
}

func TestSubject_ValidateRejectsReservedName(t *testing.T) {
	s := NewSubject("echo").On("call", func(args []any) (any, error) { return nil, nil })
	assert.Error(t, s.Validate())
}

func TestSubject_ValidateAllowsOrdinaryNames(t *testing.T) {
	s := NewSubject("echo").On("reflect", func(args []any) (any, error) { return nil, nil })
	assert.NoError(t, s.Validate())
}

func TestOperationRegistry_BuildUnknownAliasErrors(t *testing.T) {
	r := NewOperationRegistry()
	_, err := r.Build("nope")
	assert.Error(t, err)
}

func TestOperationRegistry_BuildReturnsFreshSubjectPerCall(t *testing.T) {
	r := NewOperationRegistry()
	r.Register("echo", func() *Subject {
		return NewSubject("echo").On("reflect", func(args []any) (any, error) { return args, nil })
	})
	a, err := r.Build("echo")
	require.NoError(t, err)
	b, err := r.Build("echo")
	require.NoError(t, err)
	assert.NotSame(t, a, b)
}
