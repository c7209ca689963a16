package markers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_StripsKnownMarkersOnly(t *testing.T) {
	raw := "Sure, I'll take care of that.\n" +
		"SCHEDULE: Call Bob | 2026-03-01T10:00 | once\n" +
		"Note: this line has a colon but is not a marker\n" +
		"REWARD: +1 | productivity | stayed focused\n"

	cleaned, ds := Parse(raw)

	assert.NotContains(t, cleaned, "SCHEDULE:")
	assert.NotContains(t, cleaned, "REWARD:")
	assert.Contains(t, cleaned, "Note: this line has a colon but is not a marker")

	require.Len(t, ds, 2)
	assert.Equal(t, Schedule, ds[0].Name)
	assert.Equal(t, "Call Bob", ds[0].Arg(0))
	assert.Equal(t, "2026-03-01T10:00", ds[0].Arg(1))
	assert.Equal(t, "once", ds[0].Arg(2))

	assert.Equal(t, Reward, ds[1].Name)
	assert.Equal(t, "+1", ds[1].Arg(0))
}

func TestParse_UnknownMarkerLeftIntact(t *testing.T) {
	raw := "FUTURE_MARKER: something | else\nhello"
	cleaned, ds := Parse(raw)
	assert.Equal(t, raw, cleaned)
	assert.Empty(t, ds)
}

func TestParse_RoundTripYieldsZeroMarkersOnSecondPass(t *testing.T) {
	raw := "hi\nLESSON: coding | always write tests\nbye"
	cleaned, ds := Parse(raw)
	require.Len(t, ds, 1)

	cleaned2, ds2 := Parse(cleaned)
	assert.Equal(t, cleaned, cleaned2)
	assert.Empty(t, ds2)
}

func TestParse_NoLeadingTokenNoFalsePositive(t *testing.T) {
	raw := "https://example.com: a link shouldn't be treated as a marker"
	cleaned, ds := Parse(raw)
	assert.Equal(t, raw, cleaned)
	assert.Empty(t, ds)
}
