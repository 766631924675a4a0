package camera

import (
	"context"
	"time"
)

// Status はキャプチャループの動作状態を表す
type Status string

const (
	StatusStopped Status = "stopped" // キャプチャ停止中
	StatusRunning Status = "running" // キャプチャ動作中
)

// Frame はエンコード済みの最新フレーム
//
// Data は公開後に変更されない。読み手はコピーせずに参照してよい
type Frame struct {
	Data       []byte    // JPEG画像データ
	Seq        uint64    // 単調増加するシーケンス番号（1始まり）
	CapturedAt time.Time // 取得時刻
}

// Device はキャプチャループが占有するカメラデバイス
type Device interface {
	// ReadFrame は1フレームを取得してJPEGで返す。
	// 一時的な失敗は ErrCaptureTransient をラップして返す
	ReadFrame(timeout time.Duration) ([]byte, error)

	// SetControl はパラメータ値をデバイスに適用する
	SetControl(p Parameter, value float64) error

	// GetControl はデバイスから現在値を読み戻す
	GetControl(p Parameter) (float64, error)

	// Controls はデバイスが対応するコントロールの範囲を返す
	Controls() map[Parameter]ControlRange

	// Close はデバイスを解放する
	Close() error
}

// Opener はデバイスハンドルを作成する
type Opener interface {
	// Open はデバイスを開く。開けない場合は ErrDeviceUnavailable をラップして返す
	Open(ctx context.Context) (Device, error)
}

// OpenerFunc は関数を Opener として扱うアダプタ
type OpenerFunc func(ctx context.Context) (Device, error)

// Open は f(ctx) を呼び出す
func (f OpenerFunc) Open(ctx context.Context) (Device, error) {
	return f(ctx)
}

// Discovery はカメラデバイスの検出機能を提供する
type Discovery interface {
	// ScanDevices はシステム内の利用可能なカメラデバイスをスキャンする
	ScanDevices(ctx context.Context) ([]string, error)

	// IsDeviceAvailable は指定されたデバイスが利用可能かチェックする
	IsDeviceAvailable(ctx context.Context, device string) bool

	// GetDeviceInfo はデバイスの詳細情報を取得する
	GetDeviceInfo(ctx context.Context, device string) (*DeviceInfo, error)
}

// DeviceInfo はカメラデバイスの詳細情報を表す
type DeviceInfo struct {
	Device      string       `json:"device"`      // デバイスパス
	Name        string       `json:"name"`        // デバイス名
	Driver      string       `json:"driver"`      // ドライバー名
	Resolutions []Resolution `json:"resolutions"` // サポートされる解像度
	Formats     []string     `json:"formats"`     // サポートされるフォーマット
	Controls    []string     `json:"controls"`    // 制御可能なパラメータ
}

// Resolution はカメラの解像度を表す
type Resolution struct {
	Width  int `json:"width"`  // 幅
	Height int `json:"height"` // 高さ
}
