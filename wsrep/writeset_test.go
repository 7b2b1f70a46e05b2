package wsrep

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWritesetValidate(t *testing.T) {
	var w = Writeset{LastSeen: 10, Assigned: 11, Depends: 10}
	assert.NoError(t, w.Validate(0))

	w.Depends = 11 // depends must be <= assigned-1
	assert.Error(t, w.Validate(0))

	w.Depends = 10
	w.Flags = FlagPAUnsafe
	assert.NoError(t, w.Validate(0))

	w.Depends = 9 // PA-unsafe requires depends == assigned-1
	assert.Error(t, w.Validate(0))
}

func TestWritesetValidateUnordered(t *testing.T) {
	var w = Writeset{LastSeen: 10, Assigned: SeqnoUndefined}
	assert.NoError(t, w.Validate(0), "unordered writesets skip validation")
}

func TestFlagsHelpers(t *testing.T) {
	var f = FlagBegin.Set(FlagIsolation)
	assert.True(t, f.Has(FlagBegin))
	assert.True(t, f.RequiresSerialization())
	f = f.Clear(FlagIsolation)
	assert.False(t, f.RequiresSerialization())
}
