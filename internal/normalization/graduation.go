package normalization

import (
	"fmt"
	"strings"

	"pumpfeed/internal/domain"
)

// Graduation signal sources.
const (
	SourceExplicit  = "explicit"   // identity API "complete" flag
	SourceEventFlag = "event_flag" // isBondingCurve on the trade event
	SourceVenue     = "venue"      // program tag of the trade event
	SourceAddress   = "address"    // presence of a bonding-curve address
)

// GraduationSignals are the observed inputs to graduation detection.
// The three inferred signals can disagree; only Explicit is authoritative.
type GraduationSignals struct {
	Explicit     *bool  // identity data "complete" flag
	EventFlag    *bool  // event says the trade executed on the bonding curve
	Program      string // venue tag, e.g. "pump" or "pump_amm"
	BondingCurve string // bonding-curve address from event or identity data
}

// GraduationPolicy decides the bonding-curve status of a token from signals.
type GraduationPolicy interface {
	Name() string
	Resolve(s GraduationSignals) domain.Graduation
}

// Policy names accepted by ParsePolicy.
const (
	PolicyExplicitFirst = "explicit-first"
	PolicyFlag          = "flag"
	PolicyVenue         = "venue"
	PolicyAddress       = "address"
)

// ParsePolicy returns the named policy. An empty name selects explicit-first.
func ParsePolicy(name string) (GraduationPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", PolicyExplicitFirst:
		return chainPolicy{name: PolicyExplicitFirst, steps: []signalFunc{fromEventFlag, fromVenue, fromAddress}}, nil
	case PolicyFlag:
		return chainPolicy{name: PolicyFlag, steps: []signalFunc{fromEventFlag}}, nil
	case PolicyVenue:
		return chainPolicy{name: PolicyVenue, steps: []signalFunc{fromVenue}}, nil
	case PolicyAddress:
		return chainPolicy{name: PolicyAddress, steps: []signalFunc{fromAddress}}, nil
	default:
		return nil, fmt.Errorf("unknown graduation policy %q", name)
	}
}

// signalFunc inspects one inferred signal. ok=false means no opinion.
type signalFunc func(s GraduationSignals) (completed bool, source string, ok bool)

// chainPolicy consults the explicit flag first, then each inferred signal in order.
type chainPolicy struct {
	name  string
	steps []signalFunc
}

func (p chainPolicy) Name() string { return p.name }

func (p chainPolicy) Resolve(s GraduationSignals) domain.Graduation {
	if s.Explicit != nil {
		v := *s.Explicit
		return domain.Graduation{Completed: &v, Source: SourceExplicit, Authoritative: true}
	}
	for _, step := range p.steps {
		if completed, source, ok := step(s); ok {
			return domain.Graduation{Completed: &completed, Source: source}
		}
	}
	return domain.Graduation{}
}

func fromEventFlag(s GraduationSignals) (bool, string, bool) {
	if s.EventFlag == nil {
		return false, "", false
	}
	return !*s.EventFlag, SourceEventFlag, true
}

// Venue tags seen on the feed. Anything other than the bonding-curve
// program means the token trades on a post-migration pool.
var bondingCurveVenues = map[string]bool{
	"pump":     true,
	"pumpfun":  true,
	"pump_fun": true,
}

var migratedVenues = map[string]bool{
	"pump_amm":  true,
	"pumpswap":  true,
	"pump_swap": true,
	"raydium":   true,
	"meteora":   true,
}

func fromVenue(s GraduationSignals) (bool, string, bool) {
	switch p := strings.ToLower(s.Program); {
	case bondingCurveVenues[p]:
		return false, SourceVenue, true
	case migratedVenues[p]:
		return true, SourceVenue, true
	default:
		return false, "", false
	}
}

func fromAddress(s GraduationSignals) (bool, string, bool) {
	if s.BondingCurve != "" {
		return false, SourceAddress, true
	}
	if migratedVenues[strings.ToLower(s.Program)] {
		return true, SourceAddress, true
	}
	return false, "", false
}
