package camera

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/blackjack/webcam"
	"github.com/pkg/errors"
)

var deviceNumberPattern = regexp.MustCompile(`video(\d+)$`)

// LinuxDiscovery はLinux環境でのカメラデバイス検出を実装する
type LinuxDiscovery struct {
	// sysfsRoot は /sys/class/video4linux に相当するディレクトリ
	sysfsRoot string
	// devGlob は /dev/video* に相当するパターン
	devGlob string
}

// NewLinuxDiscovery は新しいLinuxDiscoveryを作成する
func NewLinuxDiscovery() *LinuxDiscovery {
	return &LinuxDiscovery{
		sysfsRoot: "/sys/class/video4linux",
		devGlob:   "/dev/video*",
	}
}

// ScanDevices はシステム内のキャプチャ可能なカメラデバイスをスキャンする
//
// 同じカメラが複数のノードを持つ場合（メタデータ用ノードなど）は、
// キャプチャフォーマットを持つ最も小さい番号のノードだけを返す
func (d *LinuxDiscovery) ScanDevices(ctx context.Context) ([]string, error) {
	matches, err := filepath.Glob(d.devGlob)
	if err != nil {
		return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}

	// デバイス番号でソート
	sort.Slice(matches, func(i, j int) bool {
		return extractDeviceNumber(matches[i]) < extractDeviceNumber(matches[j])
	})

	var devices []string
	seen := make(map[string]bool)
	for _, match := range matches {
		select {
		case <-ctx.Done():
			return devices, ctx.Err()
		default:
		}

		if !d.IsDeviceAvailable(ctx, match) {
			continue
		}
		formats, err := queryFormats(match)
		if err != nil || !hasColorFormat(formats) {
			continue
		}

		name := d.deviceName(match)
		if seen[name] {
			continue // より小さい番号のノードを優先
		}
		seen[name] = true
		devices = append(devices, match)
	}

	return devices, nil
}

// IsDeviceAvailable は指定されたデバイスが利用可能かチェックする
func (d *LinuxDiscovery) IsDeviceAvailable(_ context.Context, device string) bool {
	if !deviceNumberPattern.MatchString(device) {
		return false
	}

	file, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return false
	}
	_ = file.Close()
	return true
}

// GetDeviceInfo はデバイスの詳細情報を取得する
func (d *LinuxDiscovery) GetDeviceInfo(ctx context.Context, device string) (*DeviceInfo, error) {
	if !d.IsDeviceAvailable(ctx, device) {
		return nil, errors.Wrapf(ErrDeviceUnavailable, "%s", device)
	}

	cam, err := webcam.Open(device)
	if err != nil {
		return nil, errors.Wrapf(ErrDeviceUnavailable, "%s を開けません: %v", device, err)
	}
	defer func() {
		_ = cam.Close()
	}()

	info := &DeviceInfo{
		Device: device,
		Name:   d.deviceName(device),
		Driver: d.driverName(device),
	}

	resolutions := make(map[Resolution]bool)
	for format, description := range cam.GetSupportedFormats() {
		name := fourCCName(format)
		if name == "" {
			name = description
		}
		info.Formats = append(info.Formats, name)

		for _, size := range cam.GetSupportedFrameSizes(format) {
			// 離散サイズのみ（ステップ指定のサイズは最大値を採用）
			resolutions[Resolution{Width: int(size.MaxWidth), Height: int(size.MaxHeight)}] = true
		}
	}
	sort.Strings(info.Formats)

	for r := range resolutions {
		info.Resolutions = append(info.Resolutions, r)
	}
	sort.Slice(info.Resolutions, func(i, j int) bool {
		a, b := info.Resolutions[i], info.Resolutions[j]
		if a.Width != b.Width {
			return a.Width < b.Width
		}
		return a.Height < b.Height
	})

	controls := cam.GetControls()
	for p, id := range parameterControls {
		if _, ok := controls[id]; ok {
			info.Controls = append(info.Controls, string(p))
		}
	}
	sort.Strings(info.Controls)

	return info, nil
}

// deviceName はsysfsからカメラ名を取得する。取得できなければ番号から生成する
func (d *LinuxDiscovery) deviceName(device string) string {
	node := filepath.Base(device)
	data, err := os.ReadFile(filepath.Join(d.sysfsRoot, node, "name"))
	if err == nil {
		if name := strings.TrimSpace(string(data)); name != "" {
			return name
		}
	}
	return fmt.Sprintf("カメラ %d", extractDeviceNumber(device))
}

// driverName はsysfsのドライバのシンボリックリンクからドライバ名を取得する
func (d *LinuxDiscovery) driverName(device string) string {
	node := filepath.Base(device)
	target, err := os.Readlink(filepath.Join(d.sysfsRoot, node, "device", "driver"))
	if err != nil {
		return "unknown"
	}
	return filepath.Base(target)
}

// queryFormats はデバイスが対応するフォーマット名を返す
func queryFormats(device string) ([]string, error) {
	cam, err := webcam.Open(device)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cam.Close()
	}()

	var formats []string
	for format := range cam.GetSupportedFormats() {
		formats = append(formats, fourCCName(format))
	}
	return formats, nil
}

// hasColorFormat はエンコード可能なカラーフォーマットを含むかを判定する
func hasColorFormat(formats []string) bool {
	for _, f := range formats {
		if f == FormatYUYV || f == FormatMJPG {
			return true
		}
	}
	return false
}

// extractDeviceNumber はデバイスパスから番号を抽出する
func extractDeviceNumber(device string) int {
	matches := deviceNumberPattern.FindStringSubmatch(device)
	if len(matches) < 2 {
		return 0
	}

	num, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0
	}

	return num
}

// MockDiscovery はテスト用のモックDiscovery実装
type MockDiscovery struct {
	mu          sync.Mutex
	devices     []string
	deviceInfos map[string]*DeviceInfo
}

// NewMockDiscovery は新しいMockDiscoveryを作成する
func NewMockDiscovery(devices []string) *MockDiscovery {
	m := &MockDiscovery{deviceInfos: make(map[string]*DeviceInfo)}
	for _, device := range devices {
		m.AddDevice(device)
	}
	return m
}

// ScanDevices はモックデバイス一覧を返す
func (m *MockDiscovery) ScanDevices(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.devices...), nil
}

// IsDeviceAvailable はモックデバイスが利用可能かチェックする
func (m *MockDiscovery) IsDeviceAvailable(_ context.Context, device string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.deviceInfos[device]
	return ok
}

// GetDeviceInfo はモックデバイス情報を取得する
func (m *MockDiscovery) GetDeviceInfo(_ context.Context, device string) (*DeviceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, exists := m.deviceInfos[device]
	if !exists {
		return nil, errors.Wrapf(ErrDeviceUnavailable, "デバイスが見つかりません: %s", device)
	}

	// コピーを返す
	result := *info
	return &result, nil
}

// AddDevice はテスト用にデバイスを追加する
func (m *MockDiscovery) AddDevice(device string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.deviceInfos[device]; ok {
		return
	}

	m.devices = append(m.devices, device)
	m.deviceInfos[device] = &DeviceInfo{
		Device: device,
		Name:   fmt.Sprintf("テストカメラ %d", len(m.devices)),
		Driver: "mock",
		Resolutions: []Resolution{
			{Width: 640, Height: 480},
			{Width: 1920, Height: 1080},
		},
		Formats:  []string{FormatMJPG, FormatYUYV},
		Controls: ParameterNames(),
	}
}

// RemoveDevice はテスト用にデバイスを削除する
func (m *MockDiscovery) RemoveDevice(device string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, d := range m.devices {
		if d == device {
			m.devices = append(m.devices[:i], m.devices[i+1:]...)
			break
		}
	}
	delete(m.deviceInfos, device)
}
