package helpers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseHex(t *testing.T) {
	t.Parallel()
	cases := []struct {
		input  string
		expect []byte
		err    bool
	}{
		{"", []byte{}, false},
		{"e02e0000", []byte{0xe0, 0x2e, 0, 0}, false},
		{"0xE02E", []byte{0xe0, 0x2e}, false},
		{" e0 2e:00 ", []byte{0xe0, 0x2e, 0}, false},
		{"e0f", nil, true},
		{"zz", nil, true},
	}
	for _, c := range cases {
		c := c
		t.Run(c.input, func(t *testing.T) {
			t.Parallel()
			b, err := ParseHex(c.input)
			if c.err {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, c.expect, b)
		})
	}
	assert.Panics(t, func() { MustHex("x") })
}
