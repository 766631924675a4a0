package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"shoten/internal/camera"
)

// mjpegBoundary はMJPEGストリームのマルチパート境界
const mjpegBoundary = "frame"

// ErrorResponse はエラー時のレスポンス
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusResponse はシステム状態のレスポンス
type StatusResponse struct {
	Status     string            `json:"status"`
	Camera     CameraStatus      `json:"camera"`
	Server     ServerInfo        `json:"server"`
	Parameters camera.Parameters `json:"parameters"`
	Uptime     string            `json:"uptime"`
	Timestamp  time.Time         `json:"timestamp"`
}

// CameraStatus はカメラの状態
type CameraStatus struct {
	Status     camera.Status `json:"status"`
	Device     string        `json:"device"`
	Format     string        `json:"format"`
	Width      int           `json:"width"`
	Height     int           `json:"height"`
	FrameSeq   uint64        `json:"frame_seq"`
	CapturedAt *time.Time    `json:"captured_at,omitempty"`
}

// ServerInfo はサーバーの待ち受け情報
type ServerInfo struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// setParameterRequest は PUT /api/parameters/:name のリクエスト
type setParameterRequest struct {
	Value *float64 `json:"value"`
}

// handleHealth はヘルスチェックエンドポイント
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

// handleStatus はステータス確認エンドポイント
func (s *Server) handleStatus(c *gin.Context) {
	cam := CameraStatus{
		Status: s.camera.Status(),
		Device: s.config.Camera.Device,
		Format: s.config.Camera.Format,
		Width:  s.config.Camera.Width,
		Height: s.config.Camera.Height,
	}
	if frame, ok := s.camera.LatestFrame(); ok {
		cam.FrameSeq = frame.Seq
		capturedAt := frame.CapturedAt
		cam.CapturedAt = &capturedAt
	}

	c.JSON(http.StatusOK, StatusResponse{
		Status: "ok",
		Camera: cam,
		Server: ServerInfo{
			Host: s.config.Server.Host,
			Port: s.config.Server.Port,
		},
		Parameters: s.camera.Parameters(),
		Uptime:     time.Since(s.startedAt).Truncate(time.Second).String(),
		Timestamp:  time.Now(),
	})
}

// handleCameraStart はカメラを開始する
func (s *Server) handleCameraStart(c *gin.Context) {
	if err := s.camera.Start(c.Request.Context()); err != nil {
		s.respondCameraError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": s.camera.Status()})
}

// handleCameraStop はカメラを停止する
func (s *Server) handleCameraStop(c *gin.Context) {
	if err := s.camera.Stop(c.Request.Context()); err != nil {
		s.respondCameraError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": s.camera.Status()})
}

// handleGetParameters は現在のパラメータを返す
func (s *Server) handleGetParameters(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     s.camera.Status(),
		"parameters": s.camera.Parameters(),
	})
}

// handleSetParameter はパラメータを設定する
func (s *Server) handleSetParameter(c *gin.Context) {
	var req setParameterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.Value == nil {
		writeError(c, http.StatusBadRequest, "missing_value", "value を指定してください")
		return
	}

	result, err := s.camera.SetParameter(c.Request.Context(), c.Param("name"), *req.Value)
	if err != nil {
		s.respondCameraError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleControls はデバイスが報告するコントロールの範囲を返す
func (s *Server) handleControls(c *gin.Context) {
	controls, err := s.camera.Controls()
	if err != nil {
		s.respondCameraError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"controls": controls})
}

// handleSnapshot は最新フレームを1枚返す
func (s *Server) handleSnapshot(c *gin.Context) {
	frame, ok := s.camera.LatestFrame()
	if !ok {
		writeError(c, http.StatusNotFound, "no_frame", "まだフレームが取得されていません")
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Frame-Seq", fmt.Sprintf("%d", frame.Seq))
	c.Data(http.StatusOK, "image/jpeg", frame.Data)
}

// handleDevices は検出されたカメラデバイスを返す
func (s *Server) handleDevices(c *gin.Context) {
	ctx := c.Request.Context()

	paths, err := s.discovery.ScanDevices(ctx)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "discovery_failed", err.Error())
		return
	}

	devices := make([]camera.DeviceInfo, 0, len(paths))
	for _, path := range paths {
		info, err := s.discovery.GetDeviceInfo(ctx, path)
		if err != nil {
			s.logger.WithError(err).WithField("device", path).Debug("デバイス情報の取得に失敗")
			continue
		}
		devices = append(devices, *info)
	}

	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

// handleMJPEG はMJPEGストリームを配信する
//
// 新しいフレームが公開されるたびに1パート書き出す。フレームレートはキャプチャループに従う
func (s *Server) handleMJPEG(c *gin.Context) {
	if s.camera.Status() != camera.StatusRunning {
		writeError(c, http.StatusServiceUnavailable, "device_not_open", "カメラが開始されていません")
		return
	}

	ctx, cancel := s.streamContext(c.Request.Context())
	defer cancel()

	clientID := uuid.New().String()
	logger := s.logger.WithField("client", clientID)
	logger.Info("MJPEGクライアントが接続しました")
	defer logger.Info("MJPEGクライアントが切断しました")

	// レスポンスヘッダーを設定
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Header("Pragma", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	s.streamFrames(ctx, func(frame camera.Frame) error {
		if err := writeMJPEGPart(c.Writer, frame.Data); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	})
}

// streamFrames は新しいフレームごとに send を呼ぶ。カメラ停止・切断・送信失敗で戻る
func (s *Server) streamFrames(ctx context.Context, send func(camera.Frame) error) {
	var last uint64
	for {
		frame, err := s.camera.NextFrame(ctx, last)
		if err != nil {
			return
		}
		last = frame.Seq

		if err := send(frame); err != nil {
			return
		}
	}
}

// writeMJPEGPart はMJPEGの1パートを書き込む
func writeMJPEGPart(w io.Writer, data []byte) error {
	header := fmt.Sprintf("--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", mjpegBoundary, len(data))
	if _, err := io.WriteString(w, header); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// errorCode はカメラのエラーをHTTPステータスとエラーコードに変換する
func errorCode(err error) (int, string) {
	switch {
	case errors.Is(err, camera.ErrUnknownParameter):
		return http.StatusBadRequest, "unknown_parameter"
	case errors.Is(err, camera.ErrInvalidValue):
		return http.StatusBadRequest, "invalid_value"
	case errors.Is(err, camera.ErrDeviceNotOpen):
		return http.StatusConflict, "device_not_open"
	case errors.Is(err, camera.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable, "device_unavailable"
	default:
		return http.StatusInternalServerError, "exception"
	}
}

func (s *Server) respondCameraError(c *gin.Context, err error) {
	status, code := errorCode(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	writeError(c, status, code, err.Error())
}

func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, ErrorResponse{
		Error:     code,
		Message:   message,
		Timestamp: time.Now(),
	})
}
