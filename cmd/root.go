// Package cmd はshotenのコマンドライン（serve / devices / config）を実装する
package cmd

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"shoten/internal/camera"
	"shoten/internal/config"
	"shoten/internal/logging"
)

// rootOptions は全サブコマンドで共有するオプション
type rootOptions struct {
	configPath string
	verbose    bool

	viper     *viper.Viper
	discovery camera.Discovery
}

// NewRootCommand はルートコマンドを作成する
func NewRootCommand() *cobra.Command {
	return newRootCommand(&rootOptions{
		viper:     config.NewViper(),
		discovery: camera.NewLinuxDiscovery(),
	})
}

func newRootCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shoten",
		Short: "USBカメラのライブビューとパラメータ制御",
		Long: `shoten はUSBカメラ（V4L2）の映像をMJPEGでブラウザに配信し、
露出・ゲイン・フォーカス・ズーム・ホワイトバランス色温度をリアルタイムに変更するサーバーです。

サブコマンドを省略した場合は serve と同じ動作をします。`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "設定ファイルのパス (デフォルト: ./shoten.yaml, $HOME/.shoten/shoten.yaml, /etc/shoten/shoten.yaml)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "デバッグログを出力する")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newDevicesCommand(opts))
	cmd.AddCommand(newConfigCommand(opts))

	return cmd
}

// Execute はコマンドを実行する。失敗した場合は終了コード1で終了する
func Execute() {
	if err := NewRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// loadConfig は設定を読み込む
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFrom(o.viper, o.configPath)
	if err != nil {
		return nil, err
	}
	if o.verbose {
		cfg.Log.Level = logrus.DebugLevel.String()
	}
	return cfg, nil
}

// newLogger は設定に従ってロガーを作成する
func newLogger(cfg *config.Config) (*logrus.Logger, error) {
	return logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
}
