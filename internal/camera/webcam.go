package camera

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/blackjack/webcam"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// V4L2のコントロールID（linux/v4l2-controls.h）
const (
	cidExposureAuto            webcam.ControlID = 0x009a0901
	cidExposureAbsolute        webcam.ControlID = 0x009a0902
	cidFocusAbsolute           webcam.ControlID = 0x009a090a
	cidFocusAuto               webcam.ControlID = 0x009a090c
	cidZoomAbsolute            webcam.ControlID = 0x009a090d
	cidAutoWhiteBalance        webcam.ControlID = 0x0098090c
	cidGain                    webcam.ControlID = 0x00980913
	cidWhiteBalanceTemperature webcam.ControlID = 0x0098091a

	exposureManual = 1 // V4L2_EXPOSURE_MANUAL
)

var parameterControls = map[Parameter]webcam.ControlID{
	ParamExposure:                cidExposureAbsolute,
	ParamGain:                    cidGain,
	ParamFocus:                   cidFocusAbsolute,
	ParamZoom:                    cidZoomAbsolute,
	ParamWhiteBalanceTemperature: cidWhiteBalanceTemperature,
}

// ピクセルフォーマット
const (
	FormatYUYV = "YUYV"
	FormatMJPG = "MJPG"
)

// WebcamConfig はV4L2デバイスの設定
type WebcamConfig struct {
	Device         string // デバイスパス（例: /dev/video0）
	Width          int
	Height         int
	Format         string // YUYV または MJPG
	JPEGQuality    int    // YUYVをエンコードする際の品質 (1-100)
	ManualControls bool   // 自動露出・オートホワイトバランス・オートフォーカスを無効にする
}

// WebcamOpener は github.com/blackjack/webcam でデバイスを開く
type WebcamOpener struct {
	config WebcamConfig
	logger logrus.FieldLogger
}

// NewWebcamOpener は新しいWebcamOpenerを作成する
func NewWebcamOpener(config WebcamConfig, logger logrus.FieldLogger) *WebcamOpener {
	if config.JPEGQuality <= 0 || config.JPEGQuality > 100 {
		config.JPEGQuality = 90
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &WebcamOpener{config: config, logger: logger}
}

// Open はデバイスを開いてフォーマットを設定し、ストリーミングを開始する
func (o *WebcamOpener) Open(ctx context.Context) (Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrapf(ErrDeviceUnavailable, "%v", err)
	}

	cam, err := webcam.Open(o.config.Device)
	if err != nil {
		return nil, errors.Wrapf(ErrDeviceUnavailable, "%s を開けません: %v", o.config.Device, err)
	}

	dev, err := o.configure(cam)
	if err != nil {
		_ = cam.Close()
		return nil, errors.Wrapf(ErrDeviceUnavailable, "%s の設定に失敗: %v", o.config.Device, err)
	}

	if err := cam.StartStreaming(); err != nil {
		_ = cam.Close()
		return nil, errors.Wrapf(ErrDeviceUnavailable, "%s のストリーミング開始に失敗: %v", o.config.Device, err)
	}

	o.logger.WithFields(logrus.Fields{
		"device": o.config.Device,
		"format": dev.format,
		"width":  dev.width,
		"height": dev.height,
	}).Info("カメラデバイスを開きました")

	return dev, nil
}

// configure はピクセルフォーマット・解像度・自動制御を設定する
func (o *WebcamOpener) configure(cam *webcam.Webcam) (*WebcamDevice, error) {
	wanted := strings.ToUpper(o.config.Format)
	if wanted == "" {
		wanted = FormatYUYV
	}

	pixfmt := fourCC(wanted)
	if _, ok := cam.GetSupportedFormats()[pixfmt]; !ok {
		return nil, fmt.Errorf("フォーマット %s はサポートされていません", wanted)
	}

	actual, w, h, err := cam.SetImageFormat(pixfmt, uint32(o.config.Width), uint32(o.config.Height))
	if err != nil {
		return nil, fmt.Errorf("画像フォーマットの設定に失敗: %w", err)
	}
	if actual != pixfmt {
		return nil, fmt.Errorf("フォーマット %s が受け付けられませんでした", wanted)
	}

	controls := cam.GetControls()

	if o.config.ManualControls {
		manual := []struct {
			id    webcam.ControlID
			value int32
		}{
			{cidExposureAuto, exposureManual},
			{cidAutoWhiteBalance, 0},
			{cidFocusAuto, 0},
		}
		for _, m := range manual {
			if _, ok := controls[m.id]; !ok {
				continue
			}
			if err := cam.SetControl(m.id, m.value); err != nil {
				o.logger.WithError(err).WithField("control", controls[m.id].Name).Debug("自動制御の無効化に失敗")
			}
		}
	}

	ranges := make(map[Parameter]ControlRange)
	for p, id := range parameterControls {
		if c, ok := controls[id]; ok {
			ranges[p] = ControlRange{Name: c.Name, Min: c.Min, Max: c.Max}
		}
	}

	return &WebcamDevice{
		cam:     cam,
		format:  wanted,
		width:   int(w),
		height:  int(h),
		quality: o.config.JPEGQuality,
		ranges:  ranges,
	}, nil
}

// WebcamDevice はV4L2デバイスのDevice実装
type WebcamDevice struct {
	cam     *webcam.Webcam
	format  string
	width   int
	height  int
	quality int
	ranges  map[Parameter]ControlRange
}

// ReadFrame はフレームを待って取得し、JPEGで返す
func (d *WebcamDevice) ReadFrame(timeout time.Duration) ([]byte, error) {
	seconds := uint32(math.Ceil(timeout.Seconds()))
	if seconds == 0 {
		seconds = 1
	}

	if err := d.cam.WaitForFrame(seconds); err != nil {
		var timeoutErr *webcam.Timeout
		if errors.As(err, &timeoutErr) {
			return nil, errors.Wrap(ErrCaptureTransient, "フレーム待ちがタイムアウトしました")
		}
		return nil, errors.Wrapf(ErrCaptureTransient, "フレーム待ちに失敗: %v", err)
	}

	raw, err := d.cam.ReadFrame()
	if err != nil {
		return nil, errors.Wrapf(ErrCaptureTransient, "フレームの読み取りに失敗: %v", err)
	}
	if len(raw) == 0 {
		return nil, errors.Wrap(ErrCaptureTransient, "空のフレームです")
	}

	switch d.format {
	case FormatMJPG:
		if !isJPEG(raw) {
			return nil, errors.Wrap(ErrCaptureTransient, "JPEGではないフレームです")
		}
		// raw はmmapバッファを指しているためコピーする
		frame := make([]byte, len(raw))
		copy(frame, raw)
		return frame, nil
	default:
		return encodeYUYV(raw, d.width, d.height, d.quality)
	}
}

// SetControl はパラメータ値をV4L2コントロールに設定する
func (d *WebcamDevice) SetControl(p Parameter, value float64) error {
	id, ok := parameterControls[p]
	if !ok {
		return errors.Wrapf(ErrUnknownParameter, "%q", p)
	}
	if _, ok := d.ranges[p]; !ok {
		return errors.Errorf("デバイスは %s に対応していません", p)
	}
	if err := d.cam.SetControl(id, int32(math.Round(value))); err != nil {
		return errors.Wrapf(err, "%s の設定に失敗", p)
	}
	return nil
}

// GetControl はV4L2コントロールの現在値を返す
func (d *WebcamDevice) GetControl(p Parameter) (float64, error) {
	id, ok := parameterControls[p]
	if !ok {
		return 0, errors.Wrapf(ErrUnknownParameter, "%q", p)
	}
	value, err := d.cam.GetControl(id)
	if err != nil {
		return 0, errors.Wrapf(err, "%s の読み取りに失敗", p)
	}
	return float64(value), nil
}

// Controls はデバイスが対応するパラメータの範囲を返す
func (d *WebcamDevice) Controls() map[Parameter]ControlRange {
	result := make(map[Parameter]ControlRange, len(d.ranges))
	for p, r := range d.ranges {
		result[p] = r
	}
	return result
}

// Close はストリーミングを止めてデバイスを閉じる
func (d *WebcamDevice) Close() error {
	if err := d.cam.StopStreaming(); err != nil {
		_ = d.cam.Close()
		return errors.Wrap(err, "ストリーミングの停止に失敗")
	}
	return d.cam.Close()
}

// fourCC は4文字のフォーマット名をV4L2のピクセルフォーマットに変換する
func fourCC(name string) webcam.PixelFormat {
	var b [4]byte
	copy(b[:], name)
	return webcam.PixelFormat(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24)
}

// fourCCName はピクセルフォーマットを4文字の名前に変換する
func fourCCName(f webcam.PixelFormat) string {
	v := uint32(f)
	b := []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
	return strings.TrimRight(string(b), "\x00 ")
}
