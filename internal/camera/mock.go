package camera

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// MockDevice はテスト用のDevice実装
//
// ReadFrame ごとに、先頭と末尾にJPEGマーカーを持ち中身が全て同じバイトのフレームを返す
type MockDevice struct {
	mu       sync.Mutex
	values   map[Parameter]float64
	ranges   map[Parameter]ControlRange
	interval time.Duration
	frameLen int

	// テスト制御用
	failNext int
	counter  int
	reads    int
	closed   bool
	closes   int
}

// NewMockDevice は全パラメータに対応した新しいMockDeviceを作成する
func NewMockDevice() *MockDevice {
	ranges := map[Parameter]ControlRange{
		ParamExposure:                {Name: "Exposure Time, Absolute", Min: 3, Max: 2047},
		ParamGain:                    {Name: "Gain", Min: 0, Max: 255},
		ParamFocus:                   {Name: "Focus, Absolute", Min: 0, Max: 255},
		ParamZoom:                    {Name: "Zoom, Absolute", Min: 100, Max: 500},
		ParamWhiteBalanceTemperature: {Name: "White Balance Temperature", Min: 2000, Max: 6500},
	}
	values := make(map[Parameter]float64, len(ranges))
	for p, r := range ranges {
		values[p] = float64(r.Min)
	}

	return &MockDevice{
		values:   values,
		ranges:   ranges,
		interval: time.Millisecond,
		frameLen: 256,
	}
}

// ReadFrame はモックフレームを返す
func (d *MockDevice) ReadFrame(_ time.Duration) ([]byte, error) {
	d.mu.Lock()
	interval := d.interval
	d.mu.Unlock()

	time.Sleep(interval)

	d.mu.Lock()
	defer d.mu.Unlock()

	d.reads++
	if d.closed {
		return nil, errors.Wrap(ErrCaptureTransient, "モック: デバイスは閉じられています")
	}
	if d.failNext > 0 {
		d.failNext--
		return nil, errors.Wrap(ErrCaptureTransient, "モック: フレーム取得に失敗")
	}

	d.counter++
	return MockFrameData(byte(d.counter), d.frameLen), nil
}

// SetControl は範囲内に丸めて値を保持する。範囲が無いパラメータはエラーになる
func (d *MockDevice) SetControl(p Parameter, value float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return errors.New("モック: デバイスは閉じられています")
	}
	r, ok := d.ranges[p]
	if !ok {
		return errors.Errorf("モック: %s には対応していません", p)
	}
	d.values[p] = math.Max(float64(r.Min), math.Min(float64(r.Max), math.Round(value)))
	return nil
}

// GetControl は保持している値を返す
func (d *MockDevice) GetControl(p Parameter) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	value, ok := d.values[p]
	if !ok {
		return 0, errors.Errorf("モック: %s には対応していません", p)
	}
	return value, nil
}

// Controls はコントロールの範囲を返す
func (d *MockDevice) Controls() map[Parameter]ControlRange {
	d.mu.Lock()
	defer d.mu.Unlock()

	result := make(map[Parameter]ControlRange, len(d.ranges))
	for p, r := range d.ranges {
		result[p] = r
	}
	return result
}

// Close はデバイスを閉じる
func (d *MockDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.closes++
	return nil
}

// FailNext はテスト用に次のn回のReadFrameを失敗させる
func (d *MockDevice) FailNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext = n
}

// SetInterval はテスト用にフレーム間隔を設定する
func (d *MockDevice) SetInterval(interval time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.interval = interval
}

// RemoveControl はテスト用にパラメータを非対応にする
func (d *MockDevice) RemoveControl(p Parameter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.ranges, p)
	delete(d.values, p)
}

// Reads はReadFrameの呼び出し回数を返す
func (d *MockDevice) Reads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads
}

// IsClosed はデバイスが閉じられているかを返す
func (d *MockDevice) IsClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Closes はCloseの呼び出し回数を返す
func (d *MockDevice) Closes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closes
}

func (d *MockDevice) reopen() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = false
}

// MockFrameData はモックフレームを生成する。JPEGのSOI/EOIで中身を挟む
func MockFrameData(fill byte, size int) []byte {
	if size < 4 {
		size = 4
	}
	data := make([]byte, size)
	data[0], data[1] = 0xFF, 0xD8
	for i := 2; i < size-2; i++ {
		data[i] = fill
	}
	data[size-2], data[size-1] = 0xFF, 0xD9
	return data
}

// MockOpener はテスト用のOpener実装。常に同じMockDeviceを開く
type MockOpener struct {
	mu       sync.Mutex
	device   *MockDevice
	err      error
	opens    int
	released int
}

// NewMockOpener は新しいMockOpenerを作成する
func NewMockOpener(device *MockDevice) *MockOpener {
	return &MockOpener{device: device}
}

// Open はMockDeviceを開く
func (o *MockOpener) Open(ctx context.Context) (Device, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if o.err != nil {
		return nil, errors.Wrapf(ErrDeviceUnavailable, "モック: %v", o.err)
	}

	o.opens++
	o.device.reopen()
	return &trackedDevice{Device: o.device, opener: o}, nil
}

// SetError はテスト用にOpenを失敗させる（nilで解除）
func (o *MockOpener) SetError(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.err = err
}

// Opens はOpenが成功した回数を返す
func (o *MockOpener) Opens() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens
}

// OpenHandles は現在開かれているハンドル数を返す
func (o *MockOpener) OpenHandles() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens - o.released
}

// trackedDevice はクローズ回数を数えるためのラッパー
type trackedDevice struct {
	Device
	opener *MockOpener
	once   sync.Once
}

func (t *trackedDevice) Close() error {
	t.once.Do(func() {
		t.opener.mu.Lock()
		t.opener.released++
		t.opener.mu.Unlock()
	})
	return t.Device.Close()
}
