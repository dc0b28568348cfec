package decoder

import (
	"testing"

	"github.com/nhirsama/picolog/src/inter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		want    []uint16
	}{
		{"Empty", nil, []uint16{}},
		{"Single", []byte{0x34, 0x12}, []uint16{0x1234}},
		{"LittleEndian", []byte{0x01, 0x00, 0xFF, 0x0F, 0x00, 0x08}, []uint16{1, 4095, 2048}},
		{"Max", []byte{0xFF, 0xFF}, []uint16{65535}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.payload, 0)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	got, err := Decode([]byte{1, 2, 3}, 0)
	assert.ErrorIs(t, err, inter.ErrMalformedPayload)
	assert.Nil(t, got)
	assert.Contains(t, err.Error(), "3 bytes")
}

func TestDecodeRemoteError(t *testing.T) {
	// status 优先于 payload 检查，奇数长度也只报告远端错误
	got, err := Decode([]byte{1, 2, 3}, 1)
	var remote *inter.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, int32(1), remote.Status)
	assert.Nil(t, got)
	assert.NotErrorIs(t, err, inter.ErrMalformedPayload)
}

func BenchmarkDecode(b *testing.B) {
	payload := make([]byte, 4000)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Decode(payload, 0)
	}
}
