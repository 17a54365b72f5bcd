package currency

import "strings"

var countryCurrency = map[string]Code{
	"US": USD,
	"CA": CAD,
	"GB": GBP,
	"UK": GBP,
	"DE": EUR,
	"FR": EUR,
	"IT": EUR,
	"ES": EUR,
	"NL": EUR,
	"BE": EUR,
	"AT": EUR,
	"PT": EUR,
	"FI": EUR,
	"IE": EUR,
	"GR": EUR,
	"LU": EUR,
	"SI": EUR,
	"CY": EUR,
	"MT": EUR,
	"SK": EUR,
	"EE": EUR,
	"LV": EUR,
	"LT": EUR,
}

// ForCountry maps an ISO 3166 alpha-2 country to its local currency, falling back
// to USD for unknown or unsupported countries.
func ForCountry(country string) Code {
	if code, ok := countryCurrency[strings.ToUpper(strings.TrimSpace(country))]; ok {
		return code
	}
	return USD
}
