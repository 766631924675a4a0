package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"shoten/internal/camera"
	"shoten/internal/logging"
	"shoten/internal/server"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "ライブビューと制御用のHTTPサーバーを起動する",
		Example: `  shoten serve
  shoten serve --port 9000 --device /dev/video2
  shoten serve --format MJPG --width 1280 --height 720 --autostart`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	addServeFlags(cmd.Flags(), opts.viper)
	return cmd
}

// addServeFlags はサーバー用のフラグを定義して設定キーに対応付ける
//
// 指定されたフラグだけが設定ファイル・環境変数より優先される
func addServeFlags(flags *pflag.FlagSet, v *viper.Viper) {
	flags.String("host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
	flags.IntP("port", "p", 0, "サーバーのポート (デフォルト: 8080)")
	flags.StringP("device", "d", "", "カメラデバイス (デフォルト: /dev/video0)")
	flags.Int("width", 0, "画像幅 (デフォルト: 1920)")
	flags.Int("height", 0, "画像高さ (デフォルト: 1080)")
	flags.String("format", "", "ピクセルフォーマット YUYV|MJPG (デフォルト: YUYV)")
	flags.Int("jpeg-quality", 0, "YUYVをエンコードする際のJPEG品質 (デフォルト: 90)")
	flags.Bool("autostart", false, "起動時にカメラを開始する")
	flags.String("log-format", "", "ログフォーマット text|json (デフォルト: text)")

	bindings := map[string]string{
		"server.host":         "host",
		"server.port":         "port",
		"camera.device":       "device",
		"camera.width":        "width",
		"camera.height":       "height",
		"camera.format":       "format",
		"camera.jpeg_quality": "jpeg-quality",
		"camera.autostart":    "autostart",
		"log.format":          "log-format",
	}
	for key, name := range bindings {
		_ = v.BindPFlag(key, flags.Lookup(name))
	}
}

// runServe はカメラとサーバーを組み立てて起動する
func runServe(ctx context.Context, opts *rootOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logging.RedirectStdLog(logger)()

	camLogger := logging.Component(logger, "camera")
	opener := camera.NewWebcamOpener(cfg.Camera.WebcamConfig(), camLogger)
	manager := camera.NewManager(opener, cfg.Camera.CaptureOptions(), camLogger)

	srv := server.New(cfg, manager, opts.discovery, logging.Component(logger, "server"))

	if cfg.Camera.Autostart {
		if err := manager.Start(ctx); err != nil {
			// 起動後に画面から再度開始できるため続行する
			camLogger.WithError(err).Warn("カメラを開始できませんでした")
		}
	}

	logger.WithField("addr", cfg.ServerAddress()).Info("shoten サーバーを起動します")
	return srv.Start(ctx)
}
