package permission

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMask_Satisfies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		caller   Mask
		required Mask
		want     bool
	}{
		{name: "superset", caller: 0b110, required: 0b100, want: true},
		{name: "partial overlap is denied", caller: 0b110, required: 0b011, want: false},
		{name: "exact", caller: 0b101, required: 0b101, want: true},
		{name: "empty requirement", caller: None, required: None, want: true},
		{name: "anonymous against nonzero", caller: None, required: 4, want: false},
		{name: "files new route", caller: 6, required: 6, want: true},
		{name: "files new route read only caller", caller: 4, required: 6, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.caller.Satisfies(tt.required))
		})
	}
}

func TestMask_HasAndMissing(t *testing.T) {
	t.Parallel()

	m := Mask(0b110)
	assert.False(t, m.Has(0))
	assert.True(t, m.Has(1))
	assert.True(t, m.Has(2))
	assert.False(t, m.Has(64))
	assert.Equal(t, Mask(0b001), m.Missing(0b011))
	assert.Equal(t, "0b110", m.String())
}

func TestMask_JSON(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(Mask(6))
	require.NoError(t, err)
	assert.Equal(t, "6", string(data))

	var m Mask
	require.NoError(t, json.Unmarshal([]byte("4"), &m))
	assert.Equal(t, Mask(4), m)

	assert.ErrorIs(t, json.Unmarshal([]byte("-1"), &m), ErrNegative)
	assert.Error(t, json.Unmarshal([]byte("1.5"), &m))
	assert.Error(t, json.Unmarshal([]byte(`"x"`), &m))
}

func TestFromInt64(t *testing.T) {
	t.Parallel()

	m, err := FromInt64(4)
	require.NoError(t, err)
	assert.Equal(t, Mask(4), m)

	_, err = FromInt64(-4)
	assert.ErrorIs(t, err, ErrNegative)
}
