package perfdata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitOutput(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		text     string
		longText string
		perf     []string
	}{
		{
			name: "text only",
			raw:  "PING OK",
			text: "PING OK",
		},
		{
			name: "text with perfdata",
			raw:  "PING OK | rta=0.5ms;100;500;0 pl=0%;5;10",
			text: "PING OK",
			perf: []string{"rta=0.5ms;100;500;0", "pl=0%;5;10"},
		},
		{
			name:     "multiline",
			raw:      "DISK OK | /=2048MB;4000;4500\nextra detail\n| /var=1024MB;2000;3000",
			text:     "DISK OK",
			longText: "extra detail",
			perf:     []string{"/=2048MB;4000;4500", "/var=1024MB;2000;3000"},
		},
		{
			name: "quoted label with space",
			raw:  "OK | 'used space'=10GB;;;0;100",
			text: "OK",
			perf: []string{"'used space'=10GB;;;0;100"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := SplitOutput(tt.raw)
			assert.Equal(t, tt.text, p.Text)
			assert.Equal(t, tt.longText, p.LongText)
			assert.Equal(t, tt.perf, p.Perfdata)
		})
	}
}

func TestParse(t *testing.T) {
	v, err := Parse("rta=0.5ms;100;500;0;1000")
	require.NoError(t, err)
	assert.Equal(t, "rta", v.Label)
	assert.Equal(t, 0.5, v.Value)
	assert.Equal(t, "ms", v.Unit)
	assert.Equal(t, "100", v.Warn)
	assert.Equal(t, "500", v.Crit)
	assert.Equal(t, "0", v.Min)
	assert.Equal(t, "1000", v.Max)

	v, err = Parse("'used space'=10GB")
	require.NoError(t, err)
	assert.Equal(t, "used space", v.Label)
	assert.Equal(t, 10.0, v.Value)
	assert.Equal(t, "GB", v.Unit)

	v, err = Parse("load1=-0.25")
	require.NoError(t, err)
	assert.Equal(t, -0.25, v.Value)
	assert.Equal(t, "", v.Unit)
}

func TestParseErrors(t *testing.T) {
	for _, bad := range []string{"", "noequals", "=5", "x=abc", "'open=5"} {
		_, err := Parse(bad)
		assert.Error(t, err, "entry %q", bad)
	}
}

func TestValueString(t *testing.T) {
	v := &Value{Label: "rta", Value: 0.5, Unit: "ms", Warn: "100", Crit: "500"}
	assert.Equal(t, "rta=0.5ms;100;500", v.String())

	v = &Value{Label: "used space", Value: 10, Unit: "GB", Max: "100"}
	assert.Equal(t, "'used space'=10GB;;;;100", v.String())

	round, err := Parse(v.String())
	require.NoError(t, err)
	assert.Equal(t, v.Label, round.Label)
	assert.Equal(t, v.Max, round.Max)
}
