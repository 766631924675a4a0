package camera

import (
	"sync"
	"time"
)

// sharedState は最新フレームとパラメータを保持する共有領域
//
// フレームはキャプチャループのみが書き込み、パラメータは制御要求のみが書き込む。
// ロック中はコピーの出し入れだけを行う
type sharedState struct {
	mu       sync.Mutex
	status   Status
	frame    Frame
	hasFrame bool
	params   Parameters

	// 状態が変わるたびに close して作り直す
	changed chan struct{}
}

func newSharedState() *sharedState {
	return &sharedState{
		status:  StatusStopped,
		params:  make(Parameters),
		changed: make(chan struct{}),
	}
}

// publishFrame はフレームを丸ごと置き換えてシーケンス番号を返す
func (s *sharedState) publishFrame(data []byte, at time.Time) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.frame.Seq + 1
	s.frame = Frame{Data: data, Seq: seq, CapturedAt: at}
	s.hasFrame = true
	s.broadcastLocked()
	return seq
}

// latestFrame は最新フレームを返す。まだ無い場合は false
func (s *sharedState) latestFrame() (Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame, s.hasFrame
}

// snapshot は最新フレーム・状態・変更通知チャンネルをまとめて返す
func (s *sharedState) snapshot() (Frame, bool, Status, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame, s.hasFrame, s.status, s.changed
}

func (s *sharedState) setStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == status {
		return
	}
	s.status = status
	s.broadcastLocked()
}

func (s *sharedState) getStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *sharedState) setParameter(p Parameter, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params[string(p)] = value
}

func (s *sharedState) parameters() Parameters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params.Clone()
}

// broadcastLocked は待機中の読み手を起こす（ロック済み前提）
func (s *sharedState) broadcastLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}
