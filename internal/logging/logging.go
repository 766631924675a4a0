// Package logging はアプリケーション共通のロガーを構築する
package logging

import (
	"io"
	"log"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Options はロガーの設定
type Options struct {
	Level  string    // debug, info, warn, error
	Format string    // text または json
	Output io.Writer // nil の場合は標準エラー出力
}

// New は設定に従ってロガーを作成する
func New(opts Options) (*logrus.Logger, error) {
	logger := logrus.New()

	level := opts.Level
	if level == "" {
		level = "info"
	}
	lv, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, errors.Wrapf(err, "無効なログレベル %q", opts.Level)
	}
	logger.SetLevel(lv)

	switch strings.ToLower(opts.Format) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, errors.Errorf("無効なログフォーマット %q", opts.Format)
	}

	if opts.Output != nil {
		logger.SetOutput(opts.Output)
	} else {
		logger.SetOutput(os.Stderr)
	}

	return logger, nil
}

// RedirectStdLog は標準パッケージ log の出力をロガーに流す（gin の起動メッセージなど）
//
// 戻り値の関数で出力を標準エラー出力に戻し、パイプを閉じる
func RedirectStdLog(logger *logrus.Logger) func() {
	w := logger.WriterLevel(logrus.InfoLevel)
	flags := log.Flags()

	log.SetFlags(0)
	log.SetOutput(w)

	return func() {
		log.SetOutput(os.Stderr)
		log.SetFlags(flags)
		_ = w.Close()
	}
}

// Component はコンポーネント名を付けたロガーを返す
func Component(logger logrus.FieldLogger, name string) *logrus.Entry {
	return logger.WithField("component", name)
}
