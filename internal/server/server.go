package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"shoten/internal/camera"
	"shoten/internal/config"
)

// CameraController はハンドラから利用するカメラ操作
//
// camera.Manager が実装する。ハンドラはグローバルなインスタンスを持たず、
// New で渡されたものだけを使う
type CameraController interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() camera.Status
	SetParameter(ctx context.Context, name string, value float64) (camera.ParameterResult, error)
	Parameters() camera.Parameters
	LatestFrame() (camera.Frame, bool)
	NextFrame(ctx context.Context, after uint64) (camera.Frame, error)
	Controls() (map[string]camera.ControlRange, error)
}

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	camera     CameraController
	discovery  camera.Discovery
	logger     logrus.FieldLogger
	engine     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
	startedAt  time.Time

	// シャットダウン開始時に close する。ストリーミング中のハンドラはこれを見て終了する
	closing     chan struct{}
	closingOnce sync.Once

	// 接続中の制御用WebSocketクライアント数
	controlMu      sync.Mutex
	controlClients int
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, cam CameraController, discovery camera.Discovery, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger))

	s := &Server{
		config:    cfg,
		camera:    cam,
		discovery: discovery,
		logger:    logger,
		engine:    engine,
		startedAt: time.Now(),
		closing:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // 同一LAN内のブラウザからの接続を許可
			},
		},
	}

	s.httpServer = &http.Server{
		Addr:         cfg.ServerAddress(),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	s.setupRoutes()
	return s
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	// 画面
	s.engine.GET("/", s.handleIndex)

	// ヘルスチェック
	s.engine.GET("/health", s.handleHealth)

	// ストリーミング
	s.engine.GET("/mjpeg", s.handleMJPEG)
	s.engine.GET("/ws/stream", s.handleStreamWebSocket)
	s.engine.GET("/ws/control", s.handleControlWebSocket)

	// API
	api := s.engine.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.POST("/camera/start", s.handleCameraStart)
		api.POST("/camera/stop", s.handleCameraStop)
		api.GET("/parameters", s.handleGetParameters)
		api.PUT("/parameters/:name", s.handleSetParameter)
		api.GET("/controls", s.handleControls)
		api.GET("/snapshot", s.handleSnapshot)
		api.GET("/devices", s.handleDevices)
	}
}

// Handler はルーティング済みのハンドラを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start はサーバーを起動し、コンテキストのキャンセルかシグナルで停止する
func (s *Server) Start(ctx context.Context) error {
	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		s.logger.WithField("addr", s.config.ServerAddress()).Info("HTTPサーバーを起動しています")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownCh <- errors.Wrap(err, "サーバーの起動に失敗")
		}
	}()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// コンテキストかシグナルを待つ
	select {
	case <-ctx.Done():
		s.logger.Info("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		s.logger.WithField("signal", sig.String()).Info("シグナルを受信しました")
	case err := <-shutdownCh:
		s.stopCamera()
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンし、カメラを停止する
func (s *Server) Shutdown() error {
	s.logger.Info("サーバーをシャットダウンしています...")

	// ストリーミング中の接続を終わらせる
	s.closingOnce.Do(func() {
		close(s.closing)
	})

	timeout := s.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := s.httpServer.Shutdown(ctx)
	s.stopCamera()
	if err != nil {
		return errors.Wrap(err, "サーバーのシャットダウンに失敗")
	}

	s.logger.Info("サーバーが正常にシャットダウンされました")
	return nil
}

func (s *Server) stopCamera() {
	if err := s.camera.Stop(context.Background()); err != nil {
		s.logger.WithError(err).Warn("カメラの停止に失敗")
	}
}

// streamContext はリクエストのコンテキストにシャットダウン通知を加えたものを返す
func (s *Server) streamContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-s.closing:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// requestLogger はリクエストをlogrusで記録するミドルウェア
func requestLogger(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := logger.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
			"client":  c.ClientIP(),
		})
		if len(c.Errors) > 0 {
			entry.Warn(c.Errors.String())
			return
		}
		entry.Debug("リクエスト")
	}
}
