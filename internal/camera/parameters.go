package camera

import (
	"sort"

	"github.com/pkg/errors"
)

// Parameter は制御可能なカメラパラメータ名
type Parameter string

// 認識するパラメータの一覧。これ以外の名前は ErrUnknownParameter になる
const (
	ParamExposure                Parameter = "exposure"
	ParamGain                    Parameter = "gain"
	ParamFocus                   Parameter = "focus"
	ParamZoom                    Parameter = "zoom"
	ParamWhiteBalanceTemperature Parameter = "white_balance_temperature"
)

var knownParameters = []Parameter{
	ParamExposure,
	ParamGain,
	ParamFocus,
	ParamZoom,
	ParamWhiteBalanceTemperature,
}

// AllParameters は認識する全パラメータを返す
func AllParameters() []Parameter {
	result := make([]Parameter, len(knownParameters))
	copy(result, knownParameters)
	return result
}

// ParameterNames は認識する全パラメータ名を返す
func ParameterNames() []string {
	result := make([]string, len(knownParameters))
	for i, p := range knownParameters {
		result[i] = string(p)
	}
	return result
}

// ParseParameter はパラメータ名を検証して Parameter に変換する
func ParseParameter(name string) (Parameter, error) {
	for _, p := range knownParameters {
		if string(p) == name {
			return p, nil
		}
	}
	return "", errors.Wrapf(ErrUnknownParameter, "%q", name)
}

func (p Parameter) String() string {
	return string(p)
}

// Parameters はパラメータ名から値へのマッピング
type Parameters map[string]float64

// Clone はコピーを返す
func (p Parameters) Clone() Parameters {
	result := make(Parameters, len(p))
	for k, v := range p {
		result[k] = v
	}
	return result
}

// Names はパラメータ名をソートして返す
func (p Parameters) Names() []string {
	names := make([]string, 0, len(p))
	for k := range p {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// ParameterResult は SetParameter の適用結果
type ParameterResult struct {
	Parameter string  `json:"parameter"`
	OK        bool    `json:"ok"`
	Requested float64 `json:"requested"`
	Applied   float64 `json:"applied"` // デバイスからの読み戻し値
	Error     string  `json:"error,omitempty"`
}

// ControlRange はデバイスが報告するコントロールの範囲
type ControlRange struct {
	Name string `json:"name"`
	Min  int32  `json:"min"`
	Max  int32  `json:"max"`
}
