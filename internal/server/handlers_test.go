package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shoten/internal/camera"
)

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func waitFirstFrame(t *testing.T, m *camera.Manager) camera.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	frame, err := m.NextFrame(ctx, 0)
	require.NoError(t, err)
	return frame
}

func TestEndpoints(t *testing.T) {
	env := newTestEnv(t)

	testCases := []struct {
		name           string
		endpoint       string
		expectedStatus int
		contentType    string
	}{
		{"ルートエンドポイント", "/", http.StatusOK, "text/html"},
		{"ヘルスチェックエンドポイント", "/health", http.StatusOK, "application/json"},
		{"ステータスエンドポイント", "/api/status", http.StatusOK, "application/json"},
		{"パラメータ一覧", "/api/parameters", http.StatusOK, "application/json"},
		{"デバイス一覧", "/api/devices", http.StatusOK, "application/json"},
		{"停止中のMJPEG", "/mjpeg", http.StatusServiceUnavailable, "application/json"},
		{"停止中のコントロール", "/api/controls", http.StatusConflict, "application/json"},
		{"フレームの無いスナップショット", "/api/snapshot", http.StatusNotFound, "application/json"},
		{"存在しないパス", "/nope", http.StatusNotFound, ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, tc.endpoint, "")
			assert.Equal(t, tc.expectedStatus, rec.Code)
			if tc.contentType != "" {
				assert.Contains(t, rec.Header().Get("Content-Type"), tc.contentType)
			}
		})
	}
}

func TestIndexPage(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/mjpeg")
	assert.Contains(t, rec.Body.String(), "/ws/control")
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t)

	var before StatusResponse
	decodeJSON(t, env.do(t, http.MethodGet, "/api/status", ""), &before)
	assert.Equal(t, "ok", before.Status)
	assert.Equal(t, camera.StatusStopped, before.Camera.Status)
	assert.Equal(t, "/dev/video0", before.Camera.Device)
	assert.Equal(t, "127.0.0.1", before.Server.Host)
	assert.Nil(t, before.Camera.CapturedAt)

	require.NoError(t, env.manager.Start(context.Background()))
	waitFirstFrame(t, env.manager)

	var after StatusResponse
	decodeJSON(t, env.do(t, http.MethodGet, "/api/status", ""), &after)
	assert.Equal(t, camera.StatusRunning, after.Camera.Status)
	assert.NotZero(t, after.Camera.FrameSeq)
	assert.NotNil(t, after.Camera.CapturedAt)
	assert.Contains(t, after.Parameters, "gain")
}

func TestCameraStartStop(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/camera/start", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, camera.StatusRunning, env.manager.Status())

	// 2回目の開始もハンドルを増やさない
	rec = env.do(t, http.MethodPost, "/api/camera/start", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, env.opener.OpenHandles())

	rec = env.do(t, http.MethodPost, "/api/camera/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, camera.StatusStopped, env.manager.Status())
	assert.Equal(t, 0, env.opener.OpenHandles())
}

func TestCameraStartUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.opener.SetError(errors.New("unplugged"))

	rec := env.do(t, http.MethodPost, "/api/camera/start", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp ErrorResponse
	decodeJSON(t, rec, &resp)
	assert.Equal(t, "device_unavailable", resp.Error)
	assert.Equal(t, camera.StatusStopped, env.manager.Status())
}

func TestSetParameter(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.manager.Start(context.Background()))

	testCases := []struct {
		name           string
		path           string
		body           string
		expectedStatus int
		expectedError  string
	}{
		{"正常", "/api/parameters/gain", `{"value": 50}`, http.StatusOK, ""},
		{"未知のパラメータ", "/api/parameters/bogus", `{"value": 1}`, http.StatusBadRequest, "unknown_parameter"},
		{"値なし", "/api/parameters/gain", `{}`, http.StatusBadRequest, "missing_value"},
		{"不正なJSON", "/api/parameters/gain", `{"value":`, http.StatusBadRequest, "invalid_json"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPut, tc.path, tc.body)
			require.Equal(t, tc.expectedStatus, rec.Code, rec.Body.String())

			if tc.expectedError != "" {
				var resp ErrorResponse
				decodeJSON(t, rec, &resp)
				assert.Equal(t, tc.expectedError, resp.Error)
				assert.NotEmpty(t, resp.Message)
				return
			}

			var result camera.ParameterResult
			decodeJSON(t, rec, &result)
			assert.True(t, result.OK)
			assert.Equal(t, 50.0, result.Applied)
		})
	}

	assert.Equal(t, 50.0, env.manager.Parameters()["gain"])
	assert.NotContains(t, env.manager.Parameters(), "bogus")
}

func TestSetParameterWhileStopped(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPut, "/api/parameters/gain", `{"value": 50}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	var resp ErrorResponse
	decodeJSON(t, rec, &resp)
	assert.Equal(t, "device_not_open", resp.Error)
}

func TestGetParameters(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.manager.Start(context.Background()))
	_, err := env.manager.SetParameter(context.Background(), "zoom", 300)
	require.NoError(t, err)

	var resp struct {
		Status     camera.Status      `json:"status"`
		Parameters map[string]float64 `json:"parameters"`
	}
	decodeJSON(t, env.do(t, http.MethodGet, "/api/parameters", ""), &resp)

	assert.Equal(t, camera.StatusRunning, resp.Status)
	assert.Equal(t, 300.0, resp.Parameters["zoom"])
	assert.Len(t, resp.Parameters, 5)
}

func TestControls(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.manager.Start(context.Background()))

	var resp struct {
		Controls map[string]camera.ControlRange `json:"controls"`
	}
	decodeJSON(t, env.do(t, http.MethodGet, "/api/controls", ""), &resp)

	require.Contains(t, resp.Controls, "white_balance_temperature")
	assert.Equal(t, int32(2000), resp.Controls["white_balance_temperature"].Min)
	assert.Equal(t, int32(6500), resp.Controls["white_balance_temperature"].Max)
}

func TestSnapshot(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.manager.Start(context.Background()))
	waitFirstFrame(t, env.manager)

	rec := env.do(t, http.MethodGet, "/api/snapshot", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Frame-Seq"))

	data := rec.Body.Bytes()
	require.GreaterOrEqual(t, len(data), 4)
	assert.Equal(t, []byte{0xFF, 0xD8}, data[:2])

	// 停止後も最後のフレームを返す
	require.NoError(t, env.manager.Stop(context.Background()))
	rec = env.do(t, http.MethodGet, "/api/snapshot", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDevices(t *testing.T) {
	env := newTestEnv(t)

	var resp struct {
		Devices []camera.DeviceInfo `json:"devices"`
	}
	decodeJSON(t, env.do(t, http.MethodGet, "/api/devices", ""), &resp)

	require.Len(t, resp.Devices, 2)
	assert.Equal(t, "/dev/video0", resp.Devices[0].Device)
	assert.Equal(t, "/dev/video2", resp.Devices[1].Device)
}

func TestMJPEGStream(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.manager.Start(context.Background()))

	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/mjpeg")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", resp.Header.Get("Content-Type"))

	reader := multipart.NewReader(resp.Body, mjpegBoundary)
	var lastLen int
	for i := 0; i < 3; i++ {
		part, err := reader.NextPart()
		require.NoError(t, err)
		assert.Equal(t, "image/jpeg", part.Header.Get("Content-Type"))

		data, err := io.ReadAll(part)
		require.NoError(t, err)
		length, err := strconv.Atoi(part.Header.Get("Content-Length"))
		require.NoError(t, err)
		assert.Equal(t, length, len(data))
		assert.True(t, bytes.HasPrefix(data, []byte{0xFF, 0xD8}))
		lastLen = len(data)
	}
	assert.NotZero(t, lastLen)

	// カメラを止めるとストリームが終わる
	require.NoError(t, env.manager.Stop(context.Background()))

	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, resp.Body)
		done <- err
	}()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("カメラ停止後もストリームが終わりませんでした")
	}
}

func TestWriteMJPEGPart(t *testing.T) {
	var buf bytes.Buffer
	data := camera.MockFrameData(7, 16)

	require.NoError(t, writeMJPEGPart(&buf, data))

	expected := "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: 16\r\n\r\n" + string(data) + "\r\n"
	assert.Equal(t, expected, buf.String())
}

func TestErrorCode(t *testing.T) {
	testCases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"未知のパラメータ", errors.Wrap(camera.ErrUnknownParameter, "x"), http.StatusBadRequest, "unknown_parameter"},
		{"停止中", camera.ErrDeviceNotOpen, http.StatusConflict, "device_not_open"},
		{"デバイスなし", errors.Wrap(camera.ErrDeviceUnavailable, "x"), http.StatusServiceUnavailable, "device_unavailable"},
		{"無効な値", errors.Wrap(camera.ErrInvalidValue, "x"), http.StatusBadRequest, "invalid_value"},
		{"その他", errors.New("boom"), http.StatusInternalServerError, "exception"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			status, code := errorCode(tc.err)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.code, code)
		})
	}
}
