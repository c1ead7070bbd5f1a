package normalization

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePolicy(t *testing.T) {
	for _, name := range []string{"", "explicit-first", "flag", "venue", "address", "FLAG"} {
		p, err := ParsePolicy(name)
		require.NoError(t, err, name)
		assert.NotEmpty(t, p.Name())
	}

	_, err := ParsePolicy("coin-flip")
	assert.Error(t, err)
}

func TestGraduationPolicies(t *testing.T) {
	onCurve := GraduationSignals{EventFlag: ptr(true), Program: "pump_amm", BondingCurve: "curve"}

	tests := []struct {
		policy    string
		signals   GraduationSignals
		completed *bool
		source    string
	}{
		{PolicyExplicitFirst, GraduationSignals{Explicit: ptr(true), EventFlag: ptr(true)}, ptr(true), SourceExplicit},
		{PolicyExplicitFirst, onCurve, ptr(false), SourceEventFlag},
		{PolicyExplicitFirst, GraduationSignals{Program: "pump_amm"}, ptr(true), SourceVenue},
		{PolicyExplicitFirst, GraduationSignals{BondingCurve: "curve"}, ptr(false), SourceAddress},
		{PolicyExplicitFirst, GraduationSignals{}, nil, ""},

		// The inferred signals disagree here; each policy trusts a different one.
		{PolicyFlag, onCurve, ptr(false), SourceEventFlag},
		{PolicyVenue, onCurve, ptr(true), SourceVenue},
		{PolicyAddress, onCurve, ptr(false), SourceAddress},

		{PolicyFlag, GraduationSignals{Program: "pump"}, nil, ""},
		{PolicyVenue, GraduationSignals{Program: "pump"}, ptr(false), SourceVenue},
		{PolicyAddress, GraduationSignals{Program: "raydium"}, ptr(true), SourceAddress},
		{PolicyVenue, GraduationSignals{Explicit: ptr(false), Program: "raydium"}, ptr(false), SourceExplicit},
	}

	for _, tt := range tests {
		p, err := ParsePolicy(tt.policy)
		require.NoError(t, err)

		got := p.Resolve(tt.signals)
		assert.Equal(t, tt.completed, got.Completed, "%s %+v", tt.policy, tt.signals)
		assert.Equal(t, tt.source, got.Source, "%s %+v", tt.policy, tt.signals)
		assert.Equal(t, tt.source == SourceExplicit, got.Authoritative)
	}
}
