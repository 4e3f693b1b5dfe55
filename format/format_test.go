package format

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPredicates(t *testing.T) {
	tests := []struct {
		format        MemoryFormat
		bytes         uint8
		channels      uint8
		alpha         bool
		premultiplied bool
	}{
		{B8g8r8a8Premultiplied, 4, 4, true, true},
		{R8g8b8a8, 4, 4, true, false},
		{R8g8b8, 3, 3, false, false},
		{B8g8r8, 3, 3, false, false},
		{R16g16b16, 6, 3, false, false},
		{R16g16b16a16Premultiplied, 8, 4, true, true},
		{R16g16b16Float, 6, 3, false, false},
		{R32g32b32Float, 12, 3, false, false},
		{R32g32b32a32FloatPremultiplied, 16, 4, true, true},
		{R32g32b32a32Float, 16, 4, true, false},
		{G8a8Premultiplied, 2, 2, true, true},
		{G8, 1, 1, false, false},
		{G16a16, 4, 2, true, false},
		{G16, 2, 1, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.format.String(), func(t *testing.T) {
			assert.Equal(t, tt.bytes, tt.format.BytesPerPixel())
			assert.Equal(t, tt.channels, tt.format.Channels())
			assert.Equal(t, tt.alpha, tt.format.HasAlpha())
			assert.Equal(t, tt.premultiplied, tt.format.IsPremultiplied())
		})
	}
}

func TestPredicatesAreTotal(t *testing.T) {
	all := All()
	require.Len(t, all, 23)

	for _, f := range all {
		assert.True(t, f.Valid())
		assert.NotZero(t, f.BytesPerPixel(), f.String())
		assert.NotZero(t, f.Channels(), f.String())

		// premultiplication only makes sense with alpha
		if f.IsPremultiplied() {
			assert.True(t, f.HasAlpha(), f.String())
		}

		for i := 0; i < 3; i++ {
			assert.Equal(t, f.HasAlpha(), f.HasAlpha())
			assert.Equal(t, f.IsPremultiplied(), f.IsPremultiplied())
		}
	}

	for _, invalid := range []MemoryFormat{count, 42, Invalid} {
		assert.False(t, invalid.Valid())
		assert.False(t, invalid.HasAlpha())
		assert.False(t, invalid.IsPremultiplied())
		assert.Zero(t, invalid.BytesPerPixel())
		assert.Zero(t, invalid.Channels())
		assert.Contains(t, invalid.String(), "memory-format(")
	}
}

func TestParse(t *testing.T) {
	for _, f := range All() {
		parsed, err := Parse(f.String())
		require.NoError(t, err)
		assert.Equal(t, f, parsed)
	}

	parsed, err := Parse("  R8G8B8A8 ")
	require.NoError(t, err)
	assert.Equal(t, R8g8b8a8, parsed)

	_, err = Parse("rgb565")
	assert.Error(t, err)
}

func TestTextEncoding(t *testing.T) {
	text, err := G16.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "g16", string(text))

	var f MemoryFormat
	require.NoError(t, f.UnmarshalText([]byte("a8b8g8r8")))
	assert.Equal(t, A8b8g8r8, f)

	_, err = MemoryFormat(200).MarshalText()
	assert.Error(t, err)
	assert.Error(t, f.UnmarshalText([]byte("nope")))
}
