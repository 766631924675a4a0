package server

import (
	"context"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shoten/internal/camera"
	"shoten/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Host:            "127.0.0.1",
			Port:            0, // ランダムポートを使用
			ReadTimeout:     5 * time.Second,
			ShutdownTimeout: 2 * time.Second,
		},
		Camera: config.CameraConfig{
			Device:           "/dev/video0",
			Width:            640,
			Height:           480,
			Format:           camera.FormatMJPG,
			JPEGQuality:      90,
			StopOnDisconnect: true,
		},
		Log: config.LogConfig{Level: "info", Format: "text"},
	}
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type testEnv struct {
	server  *Server
	manager *camera.Manager
	device  *camera.MockDevice
	opener  *camera.MockOpener
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	device := camera.NewMockDevice()
	opener := camera.NewMockOpener(device)
	opts := camera.DefaultOptions()
	opts.RetryDelay = time.Millisecond
	manager := camera.NewManager(opener, opts, testLogger())
	t.Cleanup(func() {
		_ = manager.Stop(context.Background())
	})

	discovery := camera.NewMockDiscovery([]string{"/dev/video0", "/dev/video2"})
	srv := New(testConfig(), manager, discovery, testLogger())

	return &testEnv{server: srv, manager: manager, device: device, opener: opener}
}

// TestServerStartAndShutdown はサーバーの起動とシャットダウンをテストする
func TestServerStartAndShutdown(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.manager.Start(context.Background()))

	// テスト用のコンテキスト（タイムアウト付き）
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// サーバーを別ゴルーチンで起動
	errCh := make(chan error, 1)
	go func() {
		errCh <- env.server.Start(ctx)
	}()

	// サーバーが起動するまで少し待つ
	time.Sleep(100 * time.Millisecond)

	// コンテキストをキャンセルしてサーバーを停止
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err, "サーバーの起動/停止でエラーが発生しました")
	case <-time.After(3 * time.Second):
		t.Fatal("サーバーの停止がタイムアウトしました")
	}

	assert.Equal(t, camera.StatusStopped, env.manager.Status(), "シャットダウン時にカメラが停止されること")
	assert.Equal(t, 0, env.opener.OpenHandles())
}

// TestServerStartInvalidAddress は待ち受けに失敗した場合をテストする
func TestServerStartInvalidAddress(t *testing.T) {
	env := newTestEnv(t)
	env.server.httpServer.Addr = "256.0.0.1:-1"

	errCh := make(chan error, 1)
	go func() {
		errCh <- env.server.Start(context.Background())
	}()

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("起動エラーが返りませんでした")
	}
}

// TestShutdownClosesStreams はシャットダウン時にストリーミング中の接続が閉じられることをテストする
func TestShutdownClosesStreams(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.manager.Start(context.Background()))

	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	require.NoError(t, err)

	require.NoError(t, env.server.Shutdown())

	// 閉じられるまで読み続ける
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err = conn.ReadMessage(); err != nil {
			break
		}
	}
	require.Error(t, err)
	var netErr net.Error
	if errors.As(err, &netErr) {
		assert.False(t, netErr.Timeout(), "タイムアウトではなく接続が閉じられること")
	}
	assert.Equal(t, camera.StatusStopped, env.manager.Status())
}
