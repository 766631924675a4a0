package camera

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseParameter(t *testing.T) {
	tests := []struct {
		name    string
		want    Parameter
		wantErr bool
	}{
		{"exposure", ParamExposure, false},
		{"gain", ParamGain, false},
		{"focus", ParamFocus, false},
		{"zoom", ParamZoom, false},
		{"white_balance_temperature", ParamWhiteBalanceTemperature, false},
		{"bogus", "", true},
		{"Gain", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseParameter(tt.name)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrUnknownParameter))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAllParameters_IsCopy(t *testing.T) {
	params := AllParameters()
	require.Len(t, params, 5)

	params[0] = "changed"
	assert.Equal(t, ParamExposure, AllParameters()[0])
	assert.Equal(t, "exposure", ParameterNames()[0])
}

func TestParameters_CloneAndNames(t *testing.T) {
	params := Parameters{"zoom": 100, "gain": 10}

	clone := params.Clone()
	clone["gain"] = 99

	assert.Equal(t, 10.0, params["gain"])
	assert.Equal(t, []string{"gain", "zoom"}, params.Names())
}
