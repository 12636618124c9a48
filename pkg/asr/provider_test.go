package asr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProviderManagerRegisterAndGet(t *testing.T) {
	manager := NewProviderManager(quietLogger(), "mock")
	require.NoError(t, manager.Register(NewMockProvider()))

	p, err := manager.Get("mock")
	require.NoError(t, err)
	assert.Equal(t, "mock", p.Name())
}

func TestProviderManagerFallsBackToDefault(t *testing.T) {
	manager := NewProviderManager(quietLogger(), "mock")
	require.NoError(t, manager.Register(NewMockProvider()))

	p, err := manager.Get("google")
	require.NoError(t, err)
	assert.Equal(t, "mock", p.Name())
}

func TestProviderManagerEmpty(t *testing.T) {
	manager := NewProviderManager(quietLogger(), "mock")
	_, err := manager.Get("anything")
	assert.Error(t, err)
}

func TestTranscriptServiceFanOut(t *testing.T) {
	svc := NewTranscriptService(quietLogger())

	var a, b []Transcript
	svc.AddListener("a", func(tr Transcript) { a = append(a, tr) })
	svc.AddListener("b", func(tr Transcript) { b = append(b, tr) })

	svc.Publish(Transcript{CallID: "call-1", Text: "hello", IsFinal: true})

	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.Equal(t, "hello", a[0].Text)

	svc.RemoveListener("b")
	svc.Publish(Transcript{CallID: "call-1", Text: "again"})

	assert.Len(t, a, 2)
	assert.Len(t, b, 1)
}

func TestTranscriptServiceDeliversInRegistrationOrder(t *testing.T) {
	svc := NewTranscriptService(quietLogger())

	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		svc.AddListener(name, func(Transcript) { order = append(order, name) })
	}

	// Replacing a listener keeps its slot.
	svc.AddListener("second", func(Transcript) { order = append(order, "second-replaced") })

	svc.Publish(Transcript{CallID: "call-1", Text: "hello"})
	assert.Equal(t, []string{"first", "second-replaced", "third"}, order)
}
