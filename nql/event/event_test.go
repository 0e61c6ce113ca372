package event

import (
	"testing"

	"github.com/dajobe/nqlstream/nql/value"
	"github.com/stretchr/testify/assert"
)

func TestCloneIncrementsFreeDecrements(t *testing.T) {
	e := New(KindLog, 100, nil, value.Map{"level": "ERROR"})
	assert.EqualValues(t, 1, e.RefCount())

	c := e.Clone()
	assert.EqualValues(t, 2, e.RefCount())
	assert.EqualValues(t, 2, c.RefCount())

	c.Free()
	assert.EqualValues(t, 1, e.RefCount())
	assert.NotNil(t, e.Payload)

	e.Free()
	assert.LessOrEqual(t, e.RefCount(), int32(0))
	assert.Nil(t, e.Payload)
}
