package dynhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResultAction(t *testing.T) {
	assert.Equal(t, Handled, ChangedHandled.action())
	assert.Equal(t, Override, ChangedOverride.action())
	assert.Equal(t, Supersede, Supersede.action())
	assert.True(t, ChangedOverride.paramsChanged())
	assert.False(t, Override.paramsChanged())
	assert.False(t, Result(4).valid())
	assert.False(t, Result(-3).valid())
	assert.Equal(t, "changed-override", ChangedOverride.String())
	assert.Equal(t, "Result(7)", Result(7).String())
}

func TestAggregator(t *testing.T) {
	var g aggregator
	assert.Equal(t, Ignored, g.final)

	g.add(Override, []byte{1})
	g.add(Handled, nil)
	assert.Equal(t, Override, g.final)
	assert.Equal(t, []byte{1}, g.value)

	// equal decisions replace the earlier value
	g.add(Override, []byte{2})
	assert.Equal(t, []byte{2}, g.value)

	g.add(Supersede, []byte{3})
	g.add(Ignored, nil)
	assert.Equal(t, Supersede, g.final)
	assert.Equal(t, []byte{3}, g.value)
}
