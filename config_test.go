package orchestrate

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bookingYAML = `
sagas:
  - name: trip-booking
    deadline: 2m
    steps:
      - name: reserve-room
        forward: hotel.reserve
        compensate: hotel.release
      - name: charge-card
        forward: payments.charge
        compensate: payments.refund
        timeout: 10s
        retry:
          max_attempts: 5
          initial_delay: 500ms
      - name: send-confirmation
        forward: mail.confirm
        side_effect_free: true
        after: [charge-card]
`

func TestLoadDefinitions(t *testing.T) {
	defs, err := LoadDefinitions(strings.NewReader(bookingYAML))
	require.NoError(t, err)
	require.Len(t, defs, 1)

	def := defs[0]
	assert.Equal(t, SagaTypeName("trip-booking"), def.Name())
	assert.Equal(t, 2*time.Minute, def.Deadline())
	require.Len(t, def.Steps(), 3)

	reserve := def.Step(0)
	assert.Equal(t, StepName("reserve-room"), reserve.Name)
	assert.Equal(t, ActionRef("hotel.reserve"), reserve.Forward)
	assert.Equal(t, ActionRef("hotel.release"), reserve.Compensate)
	// No retry block means the default policy.
	assert.Equal(t, DefaultRetryPolicy(), reserve.Retry)

	charge := def.Step(1)
	assert.Equal(t, 10*time.Second, charge.Timeout)
	assert.Equal(t, 5, charge.Retry.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, charge.Retry.InitialDelay)
	// Unset retry fields inherit the defaults.
	assert.Equal(t, DefaultRetryPolicy().MaxDelay, charge.Retry.MaxDelay)

	confirm := def.Step(2)
	assert.True(t, confirm.SideEffectFree)
	assert.Empty(t, confirm.Compensate)
}

func TestLoadDefinitionsOrdering(t *testing.T) {
	const yamlDoc = `
sagas:
  - name: out-of-order
    steps:
      - name: notify
        forward: do.notify
        after: [charge]
      - name: charge
        forward: do.charge
`
	defs, err := LoadDefinitions(strings.NewReader(yamlDoc))
	require.NoError(t, err)
	assert.Equal(t, []StepName{"charge", "notify"}, stepNames(defs[0]))
}

func TestLoadDefinitionsErrors(t *testing.T) {
	t.Run("not yaml", func(t *testing.T) {
		_, err := LoadDefinitions(strings.NewReader("{{nope"))
		assert.Error(t, err)
	})

	t.Run("no sagas", func(t *testing.T) {
		_, err := LoadDefinitions(strings.NewReader("sagas: []"))
		assert.Error(t, err)
	})

	t.Run("unnamed saga", func(t *testing.T) {
		_, err := LoadDefinitions(strings.NewReader(`
sagas:
  - steps:
      - name: a
        forward: do.a
`))
		assert.Error(t, err)
	})

	t.Run("step without forward", func(t *testing.T) {
		_, err := LoadDefinitions(strings.NewReader(`
sagas:
  - name: bad
    steps:
      - name: a
        compensate: undo.a
`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no forward action")
	})

	t.Run("unknown dependency", func(t *testing.T) {
		_, err := LoadDefinitions(strings.NewReader(`
sagas:
  - name: bad
    steps:
      - name: a
        forward: do.a
        after: [ghost]
`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ghost")
	})

	t.Run("dependency cycle", func(t *testing.T) {
		_, err := LoadDefinitions(strings.NewReader(`
sagas:
  - name: bad
    steps:
      - name: a
        forward: do.a
        after: [b]
      - name: b
        forward: do.b
        after: [a]
`))
		assert.ErrorIs(t, err, ErrDependencyCycle)
	})
}

func TestRegisterDefinitions(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterDefinitions(reg, strings.NewReader(bookingYAML)))

	_, err := reg.Lookup("trip-booking")
	assert.NoError(t, err)

	// Registering the same document twice collides on the saga type.
	err = RegisterDefinitions(reg, strings.NewReader(bookingYAML))
	assert.ErrorIs(t, err, ErrDuplicateSagaType)
}
