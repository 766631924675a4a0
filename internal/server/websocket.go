package server

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"shoten/internal/camera"
)

const (
	// writeWait は1メッセージの書き込み期限
	writeWait = 5 * time.Second

	setPrefix = "set_"
)

// ControlMessage はクライアントから届く制御メッセージ
//
//	{"type":"camera_start"}
//	{"type":"set_gain","value":50}
//	{"type":"set_parameter","parameter":"gain","value":50}
//	{"type":"get_parameters"}
type ControlMessage struct {
	Type      string          `json:"type"`
	Parameter string          `json:"parameter,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
}

// ControlReply は制御メッセージへの応答
type ControlReply struct {
	Type       string                  `json:"type"` // ack, parameters, error
	Action     string                  `json:"action,omitempty"`
	Result     *camera.ParameterResult `json:"result,omitempty"`
	Status     camera.Status           `json:"status,omitempty"`
	// get_parameters では空でも {} を出力する
	Parameters *camera.Parameters `json:"parameters,omitempty"`
	Error      string             `json:"error,omitempty"`
	Message    string             `json:"message,omitempty"`
}

var errMissingValue = errors.New("value がありません")

// handleControlWebSocket はパラメータ制御用のWebSocket
func (s *Server) handleControlWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WithError(err).Warn("WebSocketへのアップグレードに失敗")
		return
	}
	defer conn.Close()

	logger := s.logger.WithFields(logrus.Fields{
		"client":    uuid.New().String(),
		"websocket": "control",
	})
	logger.Info("制御クライアントが接続しました")

	s.controlMu.Lock()
	s.controlClients++
	s.controlMu.Unlock()
	defer s.controlDisconnected(logger)

	ctx, cancel := s.streamContext(context.Background())
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logger.WithError(err).Debug("制御WebSocketの読み込みエラー")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		reply := s.dispatchControl(ctx, data, logger)

		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(reply); err != nil {
			logger.WithError(err).Debug("制御WebSocketへの書き込みに失敗")
			return
		}
	}
}

// controlDisconnected は最後の制御クライアントが切断したらカメラを止める
func (s *Server) controlDisconnected(logger logrus.FieldLogger) {
	s.controlMu.Lock()
	s.controlClients--
	remaining := s.controlClients
	s.controlMu.Unlock()

	logger.WithField("remaining", remaining).Info("制御クライアントが切断しました")

	if remaining == 0 && s.config.Camera.StopOnDisconnect {
		if err := s.camera.Stop(context.Background()); err != nil {
			logger.WithError(err).Warn("カメラの停止に失敗")
		}
	}
}

// dispatchControl は1つの制御メッセージを処理して応答を返す
func (s *Server) dispatchControl(ctx context.Context, data []byte, logger logrus.FieldLogger) ControlReply {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ControlReply{Type: "error", Error: "invalid_json", Message: err.Error()}
	}

	logger.WithField("type", msg.Type).Debug("制御メッセージを受信しました")

	switch {
	case msg.Type == "camera_start":
		if err := s.camera.Start(ctx); err != nil {
			return errorReply(msg.Type, err)
		}
		return ControlReply{Type: "ack", Action: msg.Type, Status: s.camera.Status()}

	case msg.Type == "camera_stop":
		if err := s.camera.Stop(ctx); err != nil {
			return errorReply(msg.Type, err)
		}
		return ControlReply{Type: "ack", Action: msg.Type, Status: s.camera.Status()}

	case msg.Type == "get_parameters":
		params := s.camera.Parameters()
		if params == nil {
			params = camera.Parameters{}
		}
		return ControlReply{Type: "parameters", Status: s.camera.Status(), Parameters: &params}

	case msg.Type == "set_parameter":
		return s.setParameter(ctx, msg.Type, msg.Parameter, msg.Value)

	case strings.HasPrefix(msg.Type, setPrefix):
		return s.setParameter(ctx, msg.Type, strings.TrimPrefix(msg.Type, setPrefix), msg.Value)

	default:
		return ControlReply{Type: "error", Action: msg.Type, Error: "unknown_type", Message: "不明なメッセージ種別です: " + msg.Type}
	}
}

func (s *Server) setParameter(ctx context.Context, action, name string, raw json.RawMessage) ControlReply {
	value, err := parseValue(raw)
	if err != nil {
		if errors.Is(err, errMissingValue) {
			return ControlReply{Type: "error", Action: action, Error: "missing_value", Message: err.Error()}
		}
		return ControlReply{Type: "error", Action: action, Error: "invalid_value", Message: err.Error()}
	}

	result, err := s.camera.SetParameter(ctx, name, value)
	if err != nil {
		return errorReply(action, err)
	}
	return ControlReply{Type: "ack", Action: action, Result: &result}
}

// parseValue は数値または数値文字列を受け付ける。NaN や Inf は拒否する
func parseValue(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, errMissingValue
	}

	var number float64
	if err := json.Unmarshal(raw, &number); err == nil {
		return number, nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return 0, errors.Errorf("value が数値ではありません: %s", raw)
	}
	number, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil || math.IsNaN(number) || math.IsInf(number, 0) {
		return 0, errors.Errorf("value が数値ではありません: %q", text)
	}
	return number, nil
}

func errorReply(action string, err error) ControlReply {
	_, code := errorCode(err)
	return ControlReply{Type: "error", Action: action, Error: code, Message: err.Error()}
}

// handleStreamWebSocket は新しいフレームをバイナリメッセージで配信する
func (s *Server) handleStreamWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WithError(err).Warn("WebSocketへのアップグレードに失敗")
		return
	}
	defer conn.Close()

	logger := s.logger.WithFields(logrus.Fields{
		"client":    uuid.New().String(),
		"websocket": "stream",
	})
	logger.Info("ストリームクライアントが接続しました")
	defer logger.Info("ストリームクライアントが切断しました")

	ctx, cancel := s.streamContext(context.Background())
	defer cancel()

	// クライアントからの切断を検知する
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.streamFrames(ctx, func(frame camera.Frame) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.BinaryMessage, frame.Data)
	})

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"))
}
