package camera

import (
	"bytes"
	"image/jpeg"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func yuyvFrame(width, height int, y, u, v byte) []byte {
	raw := make([]byte, width*height*2)
	for i := 0; i < len(raw); i += 4 {
		raw[i], raw[i+1], raw[i+2], raw[i+3] = y, u, y, v
	}
	return raw
}

func TestEncodeYUYV(t *testing.T) {
	raw := yuyvFrame(64, 48, 200, 128, 128)

	data, err := encodeYUYV(raw, 64, 48, 90)
	require.NoError(t, err)
	assert.True(t, isJPEG(data), "JPEGのSOIで始まること")

	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 64, img.Bounds().Dx())
	assert.Equal(t, 48, img.Bounds().Dy())

	// 無彩色の明るい画素になること
	r, g, b, _ := img.At(32, 24).RGBA()
	assert.InDelta(t, float64(r>>8), float64(g>>8), 4)
	assert.InDelta(t, float64(g>>8), float64(b>>8), 4)
	assert.Greater(t, r>>8, uint32(180))
}

func TestEncodeYUYV_ShortFrame(t *testing.T) {
	raw := yuyvFrame(64, 48, 16, 128, 128)

	_, err := encodeYUYV(raw[:len(raw)-10], 64, 48, 90)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCaptureTransient), "不完全なフレームは一時的な失敗として扱う")
}

func TestEncodeYUYV_InvalidSize(t *testing.T) {
	_, err := encodeYUYV(nil, 0, 48, 90)
	assert.Error(t, err)
}

func TestIsJPEG(t *testing.T) {
	assert.True(t, isJPEG(MockFrameData(1, 16)))
	assert.False(t, isJPEG([]byte{0x00, 0xD8, 0x00, 0x00}))
	assert.False(t, isJPEG([]byte{0xFF}))
}

func TestFourCC(t *testing.T) {
	tests := []struct {
		name string
		want uint32
	}{
		{FormatMJPG, 0x47504A4D},
		{FormatYUYV, 0x56595559},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := fourCC(tt.name)
			assert.Equal(t, tt.want, uint32(f))
			assert.Equal(t, tt.name, fourCCName(f))
		})
	}
}
