package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"shoten/internal/camera"
)

// EnvPrefix は環境変数のプレフィックス（例: SHOTEN_CAMERA_DEVICE）
const EnvPrefix = "SHOTEN"

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server ServerConfig `mapstructure:"server" yaml:"server"`
	Camera CameraConfig `mapstructure:"camera" yaml:"camera"`
	Log    LogConfig    `mapstructure:"log" yaml:"log"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"` // リッスンするホスト
	Port int    `mapstructure:"port" yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`         // 読み込みタイムアウト
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`       // 書き込みタイムアウト
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"` // グレースフルシャットダウンの待ち時間
}

// CameraConfig はカメラ関連の設定
type CameraConfig struct {
	Device      string `mapstructure:"device" yaml:"device"` // デバイスパス (例: /dev/video0)
	Width       int    `mapstructure:"width" yaml:"width"`
	Height      int    `mapstructure:"height" yaml:"height"`
	Format      string `mapstructure:"format" yaml:"format"`             // YUYV または MJPG
	JPEGQuality int    `mapstructure:"jpeg_quality" yaml:"jpeg_quality"` // YUYVをエンコードする際の品質

	// キャプチャループ
	ReadTimeout    time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	RetryDelay     time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	ReconnectAfter int           `mapstructure:"reconnect_after" yaml:"reconnect_after"`

	// サーバー起動時にカメラを開始する
	Autostart bool `mapstructure:"autostart" yaml:"autostart"`

	// 開始時に自動露出・オートホワイトバランス・オートフォーカスを無効にする
	ManualControls bool `mapstructure:"manual_controls" yaml:"manual_controls"`

	// 制御用WebSocketの切断時にカメラを停止する
	StopOnDisconnect bool `mapstructure:"stop_on_disconnect" yaml:"stop_on_disconnect"`

	// 開始時に適用するパラメータ値
	Initial map[string]float64 `mapstructure:"initial" yaml:"initial,omitempty"`
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" yaml:"format"` // text または json
}

// NewViper はデフォルト値と環境変数の対応付けを済ませたviperを作成する
func NewViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 0) // ストリーミング用にタイムアウト無効化
	v.SetDefault("server.shutdown_timeout", 5*time.Second)

	v.SetDefault("camera.device", "/dev/video0")
	v.SetDefault("camera.width", 1920)
	v.SetDefault("camera.height", 1080)
	v.SetDefault("camera.format", camera.FormatYUYV)
	v.SetDefault("camera.jpeg_quality", 90)
	v.SetDefault("camera.read_timeout", time.Second)
	v.SetDefault("camera.retry_delay", 10*time.Millisecond)
	v.SetDefault("camera.reconnect_after", 100)
	v.SetDefault("camera.autostart", false)
	v.SetDefault("camera.manual_controls", true)
	v.SetDefault("camera.stop_on_disconnect", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	// 環境変数
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("server.host", EnvPrefix+"_SERVER_HOST", "SERVER_HOST")
	_ = v.BindEnv("server.port", EnvPrefix+"_SERVER_PORT", "PORT")

	return v
}

// Load は設定ファイル・環境変数・デフォルト値から設定を読み込む
//
// path が空の場合は shoten.yaml をカレントディレクトリ・$HOME/.shoten・/etc/shoten から探す。
// 見つからなければデフォルト値を使う
func Load(path string) (*Config, error) {
	return LoadFrom(NewViper(), path)
}

// LoadFrom は与えられたviperから設定を読み込む。フラグの対応付けは呼び出し側で行う
func LoadFrom(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "設定ファイル %s の読み込みに失敗", path)
		}
	} else {
		v.SetConfigName("shoten")
		v.SetConfigType("yaml")
		for _, dir := range []string{".", "$HOME/.shoten", "/etc/shoten"} {
			v.AddConfigPath(os.ExpandEnv(dir))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, errors.Wrap(err, "設定ファイルの読み込みに失敗")
			}
			// 設定ファイルが無い場合はデフォルト値を使う
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "設定の展開に失敗")
	}
	cfg.Camera.Format = strings.ToUpper(cfg.Camera.Format)

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 || c.Server.ShutdownTimeout < 0 {
		return errors.New("タイムアウトに負の値は指定できません")
	}

	// カメラ設定の検証
	if c.Camera.Device == "" {
		return errors.New("カメラデバイスが設定されていません")
	}
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		return fmt.Errorf("無効な解像度: %dx%d", c.Camera.Width, c.Camera.Height)
	}
	switch strings.ToUpper(c.Camera.Format) {
	case camera.FormatYUYV, camera.FormatMJPG:
	default:
		return fmt.Errorf("無効なフォーマット: %q", c.Camera.Format)
	}
	if c.Camera.JPEGQuality < 1 || c.Camera.JPEGQuality > 100 {
		return fmt.Errorf("無効なJPEG品質: %d", c.Camera.JPEGQuality)
	}
	for name := range c.Camera.Initial {
		if _, err := camera.ParseParameter(name); err != nil {
			return fmt.Errorf("無効な初期パラメータ: %w", err)
		}
	}

	// ログ設定の検証
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("無効なログレベル: %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("無効なログフォーマット: %q", c.Log.Format)
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Dump は有効な設定をYAMLで返す
func (c *Config) Dump() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "設定のYAML変換に失敗")
	}
	return out, nil
}

// WebcamConfig はV4L2デバイスの設定を返す
func (c CameraConfig) WebcamConfig() camera.WebcamConfig {
	return camera.WebcamConfig{
		Device:         c.Device,
		Width:          c.Width,
		Height:         c.Height,
		Format:         c.Format,
		JPEGQuality:    c.JPEGQuality,
		ManualControls: c.ManualControls,
	}
}

// CaptureOptions はキャプチャループの設定を返す
func (c CameraConfig) CaptureOptions() camera.Options {
	return camera.Options{
		ReadTimeout:    c.ReadTimeout,
		RetryDelay:     c.RetryDelay,
		ReconnectAfter: c.ReconnectAfter,
		Initial:        camera.Parameters(c.Initial).Clone(),
	}
}
