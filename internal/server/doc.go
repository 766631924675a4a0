// Package server は、HTTPサーバーとWebSocket通信を管理します。
//
// このパッケージは、ライブビューの配信、カメラパラメータの制御、
// 操作画面（HTML）の配信を担当します。
//
// 責務:
//   - HTTPサーバーの起動とグレースフルシャットダウン
//   - MJPEGストリーム（/mjpeg）とバイナリWebSocketストリーム（/ws/stream）の配信
//   - 制御用WebSocket（/ws/control）でのパラメータ変更とカメラの開始・停止
//   - REST API（/api/*）と埋め込み画面（/）の提供
//
// 仕様:
//   - ルーティングはgin、WebSocketはgorilla/websocketを使用
//   - カメラはNewで渡されたCameraControllerだけを使う（グローバルなインスタンスは持たない）
//   - フレームは新しいシーケンス番号が公開されるたびに送る。独自のフレームレート制御はしない
//   - 最後の制御クライアントが切断するとカメラを停止する（camera.stop_on_disconnect）
//   - シャットダウン時はストリーミング中の接続を閉じてからカメラを停止する
package server
