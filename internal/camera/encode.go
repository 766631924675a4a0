package camera

import (
	"bytes"
	"image"
	"image/jpeg"

	"github.com/pkg/errors"
)

// encodeYUYV はYUYV(4:2:2)の生フレームをJPEGにエンコードする
func encodeYUYV(raw []byte, width, height, quality int) ([]byte, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("無効なフレームサイズ: %dx%d", width, height)
	}
	stride := width * 2
	if len(raw) < stride*height {
		return nil, errors.Wrapf(ErrCaptureTransient, "YUYVフレームが不完全です: %d / %d bytes", len(raw), stride*height)
	}

	img := image.NewYCbCr(image.Rect(0, 0, width, height), image.YCbCrSubsampleRatio422)
	for y := 0; y < height; y++ {
		row := raw[y*stride : (y+1)*stride]
		yOff := y * img.YStride
		cOff := y * img.CStride
		// Y0 U Y1 V の4バイトで2画素
		for x := 0; x+1 < width; x += 2 {
			i := x * 2
			img.Y[yOff+x] = row[i]
			img.Cb[cOff+x/2] = row[i+1]
			img.Y[yOff+x+1] = row[i+2]
			img.Cr[cOff+x/2] = row[i+3]
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, errors.Wrap(err, "JPEGエンコードに失敗")
	}
	return buf.Bytes(), nil
}

// isJPEG はSOIマーカーで始まるかを判定する
func isJPEG(data []byte) bool {
	return len(data) >= 4 && data[0] == 0xFF && data[1] == 0xD8
}
