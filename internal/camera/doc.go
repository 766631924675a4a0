// Package camera USBカメラからのフレーム取得とパラメータ制御を担う
//
// # 責務
// - カメラデバイスの占有（オープン・クローズ）
// - バックグラウンドでの連続フレーム取得（キャプチャループ）
// - 最新フレームとパラメータ値の共有（単一スロット）
// - 露出・ゲイン・フォーカス・ズーム・ホワイトバランス色温度の反映
// - V4L2デバイスの検出
//
// # 仕様
//   - Manager: キャプチャループ本体。Start/Stop/SetParameter/LatestFrame/Parameters を提供する
//   - sharedState: 最新フレームとパラメータを1つのミューテックスで保護する。
//     クリティカルセクションではコピーの出し入れのみ行う
//   - WebcamDevice: github.com/blackjack/webcam によるV4L2デバイス実装
//   - フレームはJPEGとして保持する（YUYVの場合はキャプチャループ内でエンコードする）
//   - 1フレームの取得失敗はログに残して次の周期で再試行する。ループは終了しない
//   - 最新フレーム以外のバッファリングは行わない
//
// # 前提要件
//   - videoグループへの参加: デバイスアクセス権限
//     sudo usermod -a -G video $USER
package camera
