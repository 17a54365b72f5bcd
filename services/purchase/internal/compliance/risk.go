package compliance

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RiskLevel is totally ordered: RiskLow < RiskMedium < RiskHigh < RiskCritical.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

var riskNames = [...]string{"LOW", "MEDIUM", "HIGH", "CRITICAL"}

func (r RiskLevel) String() string {
	if r < RiskLow || r > RiskCritical {
		return fmt.Sprintf("RiskLevel(%d)", int(r))
	}
	return riskNames[r]
}

func ParseRiskLevel(raw string) (RiskLevel, error) {
	for i, name := range riskNames {
		if strings.EqualFold(raw, name) {
			return RiskLevel(i), nil
		}
	}
	return RiskLow, fmt.Errorf("unknown risk level %q", raw)
}

func (r RiskLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *RiskLevel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseRiskLevel(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// AtLeast returns the higher of r and floor.
func (r RiskLevel) AtLeast(floor RiskLevel) RiskLevel {
	if floor > r {
		return floor
	}
	return r
}
