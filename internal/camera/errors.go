package camera

import (
	"github.com/pkg/errors"
)

// エラー種別。呼び出し側は errors.Is で判定する
var (
	// ErrDeviceUnavailable はデバイスを開けない場合のエラー（Start に対して致命的）
	ErrDeviceUnavailable = errors.New("カメラデバイスが利用できません")

	// ErrDeviceNotOpen は停止中に操作した場合のエラー（Start 後に再試行可能）
	ErrDeviceNotOpen = errors.New("カメラが開始されていません")

	// ErrUnknownParameter は未知のパラメータ名が指定された場合のエラー
	ErrUnknownParameter = errors.New("不明なパラメータです")

	// ErrInvalidValue は値が有限の数値でない場合のエラー（副作用なし）
	ErrInvalidValue = errors.New("無効な値です")

	// ErrCaptureTransient は1フレームの取得に失敗した場合のエラー（ループは継続する）
	ErrCaptureTransient = errors.New("フレームの取得に失敗")
)
