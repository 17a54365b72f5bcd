package purchase

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"time"

	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/currency"
	"github.com/shopspring/decimal"
)

const beneficiaryName = "Your Platform Name LLC"

type WireInstructions struct {
	BeneficiaryName string          `json:"beneficiary_name"`
	BankName        string          `json:"bank_name"`
	AccountNumber   string          `json:"account_number"`
	RoutingNumber   string          `json:"routing_number,omitempty"`
	SwiftCode       string          `json:"swift_code,omitempty"`
	IBAN            string          `json:"iban,omitempty"`
	Reference       string          `json:"reference"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        currency.Code   `json:"currency"`
	Notes           []string        `json:"notes"`
}

type bankAccount struct {
	bank    string
	account string
	routing string
	iban    string
	swift   string
	notes   []string
}

var receivingAccounts = map[currency.Code]bankAccount{
	currency.USD: {
		bank:    "Bank of America",
		account: "1234567890",
		routing: "026009593",
		swift:   "BOFAUS3N",
		notes: []string{
			"USA Wire Transfer: Use routing number for domestic, SWIFT for international",
			"Bank address: 100 Federal Street, Boston, MA 02110",
		},
	},
	currency.CAD: {
		bank:    "Royal Bank of Canada",
		account: "9876543210",
		routing: "000309191",
		swift:   "ROYCCAT2",
		notes: []string{
			"Canada Wire Transfer: Include transit and institution numbers",
			"Bank address: 200 Bay Street, Toronto, ON M5J 2J5",
		},
	},
	currency.EUR: {
		bank:    "Deutsche Bank",
		account: "0532013000",
		iban:    "DE89370400440532013000",
		swift:   "DEUTDEFF",
		notes: []string{
			"SEPA Transfer: Use IBAN for eurozone transfers",
			"Bank address: Taunusanlage 12, 60325 Frankfurt, Germany",
		},
	},
	currency.GBP: {
		bank:    "Barclays Bank",
		account: "12345678",
		iban:    "GB29NWBK60161331926819",
		swift:   "BARCGB22",
		notes: []string{
			"UK Wire Transfer: Use sort code 20-00-00 and account number",
			"Bank address: 1 Churchill Place, London E14 5HP",
		},
	},
}

// WireReference builds "WIRE-<first 8 of user>-<unix millis>-<user digest>".
// The digest covers the whole user ID so two users sharing a prefix never
// collide in the same millisecond.
func WireReference(userID string, at time.Time) string {
	prefix := userID
	if runes := []rune(userID); len(runes) > 8 {
		prefix = string(runes[:8])
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return fmt.Sprintf("WIRE-%s-%s-%08x", prefix, strconv.FormatInt(at.UnixMilli(), 10), h.Sum32())
}

// NewWireInstructions returns the receiving account for profile's currency.
func NewWireInstructions(profile currency.Profile, amount decimal.Decimal, reference string) WireInstructions {
	w := WireInstructions{
		BeneficiaryName: beneficiaryName,
		Reference:       reference,
		Amount:          amount,
		Currency:        profile.Code,
		Notes: []string{
			fmt.Sprintf("IMPORTANT: Include reference code %q in your wire transfer", reference),
			"Wire transfers typically take 1-3 business days",
			"Do not send cash or money orders",
			"Only bank wire transfers are accepted for compliance reasons",
			profile.RegulatoryNotes,
		},
	}
	acct, ok := receivingAccounts[profile.Code]
	if !ok {
		return w
	}
	w.BankName = acct.bank
	w.AccountNumber = acct.account
	w.RoutingNumber = acct.routing
	w.IBAN = acct.iban
	w.SwiftCode = acct.swift
	w.Notes = append(w.Notes, acct.notes...)
	return w
}
