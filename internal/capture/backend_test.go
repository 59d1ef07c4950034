package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeinterleave(t *testing.T) {
	// 2 channels, 3-byte samples, 2 frames plus a dangling byte
	data := []byte{
		0x01, 0x02, 0x03, 0xA1, 0xA2, 0xA3,
		0x04, 0x05, 0x06, 0xA4, 0xA5, 0xA6,
		0xFF,
	}

	out := Deinterleave(data, 2, 3)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}, out[0])
	assert.Equal(t, []byte{0xA1, 0xA2, 0xA3, 0xA4, 0xA5, 0xA6}, out[1])
}

func TestDeinterleaveDegenerate(t *testing.T) {
	assert.Len(t, Deinterleave([]byte{1, 2, 3}, 0, 3), 0)

	out := Deinterleave([]byte{1, 2}, 1, 3)
	assert.Len(t, out, 1)
	assert.Empty(t, out[0])
}
