package qos

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassOrdering(t *testing.T) {
	all := All()
	require.Len(t, all, 5)
	for i := 0; i+1 < len(all); i++ {
		assert.True(t, all[i].Higher(all[i+1]), "%s should outrank %s", all[i], all[i+1])
	}
	assert.Equal(t, Background, Min(Background, Interactive))
	assert.Equal(t, Interactive, Max(Background, Interactive))
}

func TestParseClass(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		input   string
		want    Class
		wantErr bool
	}{
		"canonical":        {input: "CRIT_INTERACTIVE", want: CritInteractive},
		"lower hyphenated": {input: "crit-interactive", want: CritInteractive},
		"padded":           {input: "  background ", want: Background},
		"idle":             {input: "IDLE", want: Idle},
		"unknown":          {input: "urgent", wantErr: true},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := ParseClass(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEnvelopesAreOrdered(t *testing.T) {
	all := All()
	for i := 0; i+1 < len(all); i++ {
		hi, lo := Envelope(all[i]), Envelope(all[i+1])
		assert.Less(t, hi.Nice, lo.Nice, "%s vs %s nice", all[i], all[i+1])
		assert.Less(t, hi.LatencyNice, lo.LatencyNice)
		assert.Greater(t, hi.CPUWeight, lo.CPUWeight)
		assert.LessOrEqual(t, hi.IOLevel, lo.IOLevel)
	}
}

func TestOverridesApply(t *testing.T) {
	nice := -3
	io := IOIdle
	o := Overrides{Nice: &nice, IOClass: &io}

	got := o.Apply(Envelope(Background))
	assert.Equal(t, -3, got.Nice)
	assert.Equal(t, IOIdle, got.IOClass)
	assert.Equal(t, Envelope(Background).CPUWeight, got.CPUWeight)
	assert.Equal(t, []string{"nice=-3", "ionice_class=idle"}, o.Fields())
	assert.True(t, Overrides{}.Empty())
}

func TestRangeClamp(t *testing.T) {
	r := NewRange(-5, 5)
	assert.Equal(t, -5, r.Clamp(-10))
	assert.Equal(t, 5, r.Clamp(19))
	assert.Equal(t, 0, r.Clamp(0))
	assert.Equal(t, 19, Range{}.Clamp(19))
	assert.Error(t, NewRange(3, 1).Valid(MinNice, MaxNice))
	assert.Error(t, NewRange(-30, 1).Valid(MinNice, MaxNice))
}

func TestParseIOClass(t *testing.T) {
	for in, want := range map[string]IOClass{"rt": IORealtime, "best_effort": IOBestEffort, "idle": IOIdle, "none": IONone} {
		got, err := ParseIOClass(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseIOClass("turbo")
	assert.Error(t, err)
}
