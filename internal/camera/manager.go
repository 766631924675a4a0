package camera

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Options はキャプチャループの動作設定
type Options struct {
	// ReadTimeout は1回のフレーム待ちの上限
	ReadTimeout time.Duration

	// RetryDelay はフレーム取得に失敗した後の待機時間
	RetryDelay time.Duration

	// ReconnectAfter は連続失敗がこの回数に達したらデバイスを開き直す（0で無効）
	ReconnectAfter int

	// Initial は開始時に適用するパラメータ値
	Initial Parameters
}

// DefaultOptions はデフォルトの動作設定を返す
func DefaultOptions() Options {
	return Options{
		ReadTimeout:    1 * time.Second,
		RetryDelay:     10 * time.Millisecond,
		ReconnectAfter: 100,
	}
}

// Manager はカメラデバイスを占有してフレームを取得し続けるキャプチャループ
//
// 最新フレームとパラメータは sharedState に置かれ、任意数の読み手から並行に参照できる
type Manager struct {
	opener Opener
	opts   Options
	logger logrus.FieldLogger
	state  *sharedState

	// Start/Stop を直列化する
	lifeMu sync.Mutex

	// device の差し替えとクローズを保護する
	devMu  sync.RWMutex
	device Device

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewManager は新しいManagerを作成する
func NewManager(opener Opener, opts Options, logger logrus.FieldLogger) *Manager {
	defaults := DefaultOptions()
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaults.ReadTimeout
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaults.RetryDelay
	}
	if opts.ReconnectAfter < 0 {
		opts.ReconnectAfter = 0
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Manager{
		opener: opener,
		opts:   opts,
		logger: logger,
		state:  newSharedState(),
	}
}

// Start はデバイスを開いてキャプチャを開始する
//
// 既に動作中の場合は何もしない（2つ目のデバイスハンドルは開かない）
func (m *Manager) Start(ctx context.Context) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	if m.state.getStatus() == StatusRunning {
		return nil // 既に開始済み
	}

	dev, err := m.opener.Open(ctx)
	if err != nil {
		if !errors.Is(err, ErrDeviceUnavailable) {
			err = errors.Wrapf(ErrDeviceUnavailable, "%v", err)
		}
		return err
	}

	m.devMu.Lock()
	m.device = dev
	m.devMu.Unlock()

	m.loadParameters(dev)
	m.applyInitial(dev)

	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.state.setStatus(StatusRunning)

	go m.captureLoop(m.stopCh, m.doneCh)

	m.logger.Info("キャプチャを開始しました")
	return nil
}

// Stop はキャプチャを停止してデバイスを解放する。何度呼んでもよい
//
// 読み込み中のフレームは完了を待ってから停止する
func (m *Manager) Stop(_ context.Context) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	if m.stopCh == nil {
		return nil // 既に停止済み
	}

	m.state.setStatus(StatusStopped)
	close(m.stopCh)
	<-m.doneCh
	m.stopCh = nil
	m.doneCh = nil

	m.devMu.Lock()
	dev := m.device
	m.device = nil
	m.devMu.Unlock()

	if dev != nil {
		if err := dev.Close(); err != nil {
			m.logger.WithError(err).Warn("デバイスのクローズに失敗")
		}
	}

	m.logger.Info("キャプチャを停止しました")
	return nil
}

// Status は現在の動作状態を返す
func (m *Manager) Status() Status {
	return m.state.getStatus()
}

// SetParameter はパラメータ値をデバイスに適用してパラメータセットを更新する
//
// 値の範囲チェックは行わない。デバイス側で丸められた場合は読み戻した値を保持する
func (m *Manager) SetParameter(_ context.Context, name string, value float64) (ParameterResult, error) {
	p, err := ParseParameter(name)
	if err != nil {
		return ParameterResult{}, err
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return ParameterResult{}, errors.Wrapf(ErrInvalidValue, "%s: %v", p, value)
	}

	m.devMu.RLock()
	defer m.devMu.RUnlock()

	if m.device == nil || m.state.getStatus() != StatusRunning {
		return ParameterResult{}, errors.Wrapf(ErrDeviceNotOpen, "%s を設定できません", p)
	}

	result := ParameterResult{
		Parameter: p.String(),
		Requested: value,
		Applied:   value,
	}

	setErr := m.device.SetControl(p, value)
	if setErr != nil {
		result.Error = setErr.Error()
		m.logger.WithError(setErr).WithField("parameter", p).Warn("パラメータの適用に失敗")
	} else {
		result.OK = true
	}

	applied, readErr := m.device.GetControl(p)
	if readErr == nil {
		result.Applied = applied
	}

	// デバイスが受け付けた値、または読み戻せた値だけを反映する
	if setErr == nil || readErr == nil {
		m.state.setParameter(p, result.Applied)
	}

	m.logger.WithFields(logrus.Fields{
		"parameter": p,
		"requested": value,
		"applied":   result.Applied,
	}).Debug("パラメータを設定しました")

	return result, nil
}

// Parameters は現在のパラメータセットのコピーを返す
func (m *Manager) Parameters() Parameters {
	return m.state.parameters()
}

// LatestFrame は最新フレームを返す。まだ取得されていない場合は false
//
// キャプチャループを待つことはない。停止後も停止前の最後のフレームを返す
func (m *Manager) LatestFrame() (Frame, bool) {
	return m.state.latestFrame()
}

// NextFrame は after より新しいフレームが公開されるまで待って返す
//
// キャプチャが停止した場合は ErrDeviceNotOpen を返す
func (m *Manager) NextFrame(ctx context.Context, after uint64) (Frame, error) {
	for {
		frame, ok, status, changed := m.state.snapshot()
		if ok && frame.Seq > after {
			return frame, nil
		}
		if status != StatusRunning {
			return Frame{}, ErrDeviceNotOpen
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}
}

// Controls はデバイスが報告するコントロールの範囲を返す
func (m *Manager) Controls() (map[string]ControlRange, error) {
	m.devMu.RLock()
	defer m.devMu.RUnlock()

	if m.device == nil {
		return nil, ErrDeviceNotOpen
	}

	controls := m.device.Controls()
	result := make(map[string]ControlRange, len(controls))
	for p, r := range controls {
		result[string(p)] = r
	}
	return result, nil
}

// captureLoop はフレームを取得して共有領域に書き込み続ける
func (m *Manager) captureLoop(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	failures := 0
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		m.devMu.RLock()
		dev := m.device
		m.devMu.RUnlock()

		data, err := dev.ReadFrame(m.opts.ReadTimeout)
		if err != nil {
			failures++
			m.logger.WithError(err).WithField("failures", failures).Debug("フレームの取得に失敗")

			if m.opts.ReconnectAfter > 0 && failures >= m.opts.ReconnectAfter {
				m.reconnect(stopCh)
				failures = 0
			}

			select {
			case <-stopCh:
				return
			case <-time.After(m.opts.RetryDelay):
			}
			continue
		}

		failures = 0
		m.state.publishFrame(data, time.Now())
	}
}

// reconnect はデバイスを開き直す。失敗した場合は現在のデバイスを使い続ける
func (m *Manager) reconnect(stopCh <-chan struct{}) {
	select {
	case <-stopCh:
		return
	default:
	}

	m.logger.Warn("フレームの取得が連続して失敗したためデバイスを開き直します")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 開き直している間は closedDevice を見せ、SetParameter を待たせない
	m.devMu.Lock()
	old := m.device
	m.device = closedDevice{}
	m.devMu.Unlock()

	// 開き直す前に古いハンドルを閉じ、同時に2つ開かないようにする
	if old != nil {
		if err := old.Close(); err != nil {
			m.logger.WithError(err).Debug("古いデバイスのクローズに失敗")
		}
	}

	dev, err := m.opener.Open(ctx)
	if err != nil {
		m.logger.WithError(err).Warn("デバイスの再オープンに失敗")
		return
	}
	m.applyParameters(dev, m.state.parameters())

	m.devMu.Lock()
	m.device = dev
	m.devMu.Unlock()
	m.logger.Info("デバイスを開き直しました")
}

// loadParameters はデバイスの現在値をパラメータセットに読み込む
func (m *Manager) loadParameters(dev Device) {
	controls := dev.Controls()
	for _, p := range knownParameters {
		if _, ok := controls[p]; !ok {
			continue
		}
		value, err := dev.GetControl(p)
		if err != nil {
			continue
		}
		m.state.setParameter(p, value)
	}
}

// applyInitial は設定された初期値をデバイスに適用する
func (m *Manager) applyInitial(dev Device) {
	if len(m.opts.Initial) == 0 {
		return
	}
	m.applyParameters(dev, m.opts.Initial)
}

func (m *Manager) applyParameters(dev Device, params Parameters) {
	for _, name := range params.Names() {
		p, err := ParseParameter(name)
		if err != nil {
			m.logger.WithError(err).Warn("初期パラメータを無視します")
			continue
		}
		value := params[name]
		if err := dev.SetControl(p, value); err != nil {
			m.logger.WithError(err).WithField("parameter", p).Warn("初期パラメータの適用に失敗")
			continue
		}
		if applied, err := dev.GetControl(p); err == nil {
			value = applied
		}
		m.state.setParameter(p, value)
	}
}

// closedDevice は開き直している間と再オープンに失敗した後の代替デバイス
type closedDevice struct{}

func (closedDevice) ReadFrame(time.Duration) ([]byte, error) {
	return nil, errors.Wrap(ErrCaptureTransient, "デバイスが閉じられています")
}

func (closedDevice) SetControl(Parameter, float64) error {
	return errors.Wrap(ErrDeviceNotOpen, "デバイスが閉じられています")
}

func (closedDevice) GetControl(Parameter) (float64, error) {
	return 0, errors.Wrap(ErrDeviceNotOpen, "デバイスが閉じられています")
}

func (closedDevice) Controls() map[Parameter]ControlRange {
	return map[Parameter]ControlRange{}
}

func (closedDevice) Close() error {
	return nil
}
