// Package currency holds the supported fiat currencies and the regulatory
// reporting regime attached to each.
package currency

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var ErrUnsupportedCurrency = errors.New("unsupported currency")

type Code string

const (
	USD Code = "USD"
	EUR Code = "EUR"
	GBP Code = "GBP"
	CAD Code = "CAD"
)

func (c Code) String() string { return string(c) }

type Profile struct {
	Code                 Code            `json:"code"`
	Symbol               string          `json:"symbol"`
	Name                 string          `json:"name"`
	Country              string          `json:"country"`
	RegulatoryBody       string          `json:"regulatory_body"`
	ReportingThreshold   decimal.Decimal `json:"reporting_threshold"`
	StructuringThreshold decimal.Decimal `json:"structuring_threshold"`
	RegulatoryNotes      string          `json:"regulatory_notes"`
}

// ThresholdType names the reporting regime, e.g. "FinCEN Reporting Threshold".
func (p Profile) ThresholdType() string {
	return p.RegulatoryBody + " Reporting Threshold"
}

// Format renders amount with the currency symbol and two decimals.
func (p Profile) Format(amount decimal.Decimal) string {
	return p.Symbol + amount.StringFixed(2)
}

// Registry is an immutable lookup table; safe for concurrent use.
type Registry struct {
	profiles map[Code]Profile
	order    []Code
}

func NewRegistry(profiles ...Profile) (*Registry, error) {
	r := &Registry{profiles: make(map[Code]Profile, len(profiles))}
	for _, p := range profiles {
		if p.Code == "" {
			return nil, errors.New("currency code is required")
		}
		if _, dup := r.profiles[p.Code]; dup {
			return nil, fmt.Errorf("duplicate currency %s", p.Code)
		}
		if !p.ReportingThreshold.IsPositive() || !p.StructuringThreshold.IsPositive() {
			return nil, fmt.Errorf("currency %s: thresholds must be positive", p.Code)
		}
		r.profiles[p.Code] = p
		r.order = append(r.order, p.Code)
	}
	return r, nil
}

// Default returns the four currencies the platform accepts wires in.
func Default() *Registry {
	r, err := NewRegistry(defaultProfiles()...)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) Profile(code Code) (Profile, error) {
	p, ok := r.profiles[code]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrUnsupportedCurrency, string(code))
	}
	return p, nil
}

// Parse normalizes raw to a supported code.
func (r *Registry) Parse(raw string) (Code, error) {
	code := Code(strings.ToUpper(strings.TrimSpace(raw)))
	if _, err := r.Profile(code); err != nil {
		return "", err
	}
	return code, nil
}

func (r *Registry) Supported() []Code {
	out := make([]Code, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) Profiles() []Profile {
	out := make([]Profile, 0, len(r.order))
	for _, code := range r.order {
		out = append(out, r.profiles[code])
	}
	return out
}

func defaultProfiles() []Profile {
	return []Profile{
		{
			Code:                 USD,
			Symbol:               "$",
			Name:                 "US Dollar",
			Country:              "USA",
			RegulatoryBody:       "FinCEN",
			ReportingThreshold:   decimal.NewFromInt(10000),
			StructuringThreshold: decimal.NewFromInt(10000),
			RegulatoryNotes:      "USA PATRIOT Act - Bank Secrecy Act requires reporting transactions over $10,000",
		},
		{
			Code:                 EUR,
			Symbol:               "€",
			Name:                 "Euro",
			Country:              "Eurozone",
			RegulatoryBody:       "EU AML Directive",
			ReportingThreshold:   decimal.NewFromInt(10000),
			StructuringThreshold: decimal.NewFromInt(10000),
			RegulatoryNotes:      "5th Anti-Money Laundering Directive (5AMLD)",
		},
		{
			Code:                 GBP,
			Symbol:               "£",
			Name:                 "British Pound",
			Country:              "UK",
			RegulatoryBody:       "FCA",
			ReportingThreshold:   decimal.NewFromInt(8000),
			StructuringThreshold: decimal.NewFromInt(8000),
			RegulatoryNotes:      "Financial Conduct Authority regulations",
		},
		{
			Code:                 CAD,
			Symbol:               "C$",
			Name:                 "Canadian Dollar",
			Country:              "Canada",
			RegulatoryBody:       "FINTRAC",
			ReportingThreshold:   decimal.NewFromInt(10000),
			StructuringThreshold: decimal.NewFromInt(10000),
			RegulatoryNotes:      "Proceeds of Crime (Money Laundering) and Terrorist Financing Act",
		},
	}
}
