package khqr

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrInvalidMerchantID is returned when the network account id is empty or
	// longer than the 25 characters EMV allows.
	ErrInvalidMerchantID = errors.New("khqr: merchant account id must be 1-25 characters")

	// ErrInvalidAmount is returned for non-positive amounts.
	ErrInvalidAmount = errors.New("khqr: amount must be positive")

	// ErrUnknownProvider is returned for a provider outside the supported set.
	ErrUnknownProvider = errors.New("khqr: unknown provider")
)

// Provider selects the merchant account information layout. The two network
// profiles use incompatible tag structures, so this is a closed variant set,
// not a formatting flag.
type Provider string

const (
	ProviderBakong Provider = "bakong"
	ProviderABA    Provider = "aba"
)

// Network profile constants. Certification details of the target wallet
// network; swap them per profile, never derive them.
const (
	abaGUID      = "abaakhppxxx@abaa"
	abaBankLabel = "ABA Bank"

	abaMerchantCategory    = "5399"
	bakongMerchantCategory = "5999"

	countryCode = "KH"

	defaultMerchantName = "Merchant"
	defaultMerchantCity = "Phnom Penh"

	// CurrencyUSD is the ISO 4217 numeric code for US dollars, the only
	// settlement currency in scope.
	CurrencyUSD = "840"
)

// MerchantProfile is the issuer-facing identity a payload is built for.
// Owned by configuration; the builder only reads it.
type MerchantProfile struct {
	AccountID string
	Name      string
	City      string
	Phone     string
	Email     string
	Address   string
}

// PaymentRequest is one intent to collect money. Consumed once by Build.
type PaymentRequest struct {
	Amount   float64
	Currency string
	OrderID  string
	Provider Provider
}

// Build assembles the complete checksummed KHQR payload string. Field order
// is fixed: scanning apps parse sequentially and some validate ordering.
func Build(merchant MerchantProfile, req PaymentRequest) (string, error) {
	accountID := strings.Join(strings.Fields(merchant.AccountID), "")
	if accountID == "" || len(accountID) > 25 {
		return "", ErrInvalidMerchantID
	}
	if req.Amount <= 0 {
		return "", ErrInvalidAmount
	}
	currency := req.Currency
	if currency == "" {
		currency = CurrencyUSD
	}

	accountTag, accountValue, err := merchantAccountInfo(req.Provider, accountID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	// Tag 00: payload format indicator; tag 01: point of initiation "12"
	// (dynamic, amount always present).
	b.WriteString("000201")
	b.WriteString("010212")

	if err := appendField(&b, accountTag, accountValue); err != nil {
		return "", err
	}
	if err := appendField(&b, "52", merchantCategory(req.Provider)); err != nil {
		return "", err
	}
	if err := appendField(&b, "53", currency); err != nil {
		return "", err
	}
	if err := appendField(&b, "54", FormatAmount(req.Amount)); err != nil {
		return "", err
	}
	if err := appendField(&b, "58", countryCode); err != nil {
		return "", err
	}
	if err := appendField(&b, "59", sanitizeText(merchant.Name, 25, defaultMerchantName)); err != nil {
		return "", err
	}
	if err := appendField(&b, "60", sanitizeText(merchant.City, 15, defaultMerchantCity)); err != nil {
		return "", err
	}

	if orderID := SanitizeOrderID(req.OrderID); orderID != "" {
		billNumber, err := EncodeField("07", orderID)
		if err != nil {
			return "", err
		}
		if err := appendField(&b, "62", billNumber); err != nil {
			return "", err
		}
	}

	// Tag 63: CRC over everything built so far plus the CRC field's own
	// tag and length.
	b.WriteString("6304")
	payload := b.String()
	return payload + ChecksumHex(payload), nil
}

// Digest is the md5 hex of the full payload string. The payment network keys
// its status API by this digest, not by the embedded CRC.
func Digest(payload string) string {
	sum := md5.Sum([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// FormatAmount renders a decimal string with exactly two fraction digits and
// no grouping, the tag 54 wire form.
func FormatAmount(amount float64) string {
	return strconv.FormatFloat(amount, 'f', 2, 64)
}

// SanitizeOrderID strips an order id down to alphanumerics, hyphen and
// underscore, truncated to 25 characters. Returns "" when nothing survives.
func SanitizeOrderID(orderID string) string {
	var b strings.Builder
	for _, r := range orderID {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	s := b.String()
	if len(s) > 25 {
		s = s[:25]
	}
	return s
}

func merchantAccountInfo(provider Provider, accountID string) (tag, value string, err error) {
	switch provider {
	case ProviderBakong, "":
		// Bakong layout: tag 29 wrapping the raw account identifier.
		inner, err := EncodeField("00", accountID)
		if err != nil {
			return "", "", err
		}
		return "29", inner, nil
	case ProviderABA:
		// ABA layout: tag 38 wrapping network GUID, merchant id and bank label.
		guid, err := EncodeField("00", abaGUID)
		if err != nil {
			return "", "", err
		}
		mid, err := EncodeField("01", accountID)
		if err != nil {
			return "", "", err
		}
		label, err := EncodeField("02", abaBankLabel)
		if err != nil {
			return "", "", err
		}
		return "38", guid + mid + label, nil
	default:
		return "", "", fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
}

func merchantCategory(provider Provider) string {
	if provider == ProviderABA {
		return abaMerchantCategory
	}
	return bakongMerchantCategory
}

// sanitizeText keeps alphanumerics and spaces, collapses edge whitespace and
// truncates to max bytes. Stripping happens before truncation so a long name
// full of symbols cannot dodge the limit, and an empty result falls back to
// the default rather than emitting an empty tag.
func sanitizeText(s string, max int, fallback string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == ' ':
			b.WriteRune(r)
		}
	}
	out := strings.TrimSpace(b.String())
	if len(out) > max {
		out = strings.TrimSpace(out[:max])
	}
	if out == "" {
		return fallback
	}
	return out
}

func appendField(b *strings.Builder, tag, value string) error {
	field, err := EncodeField(tag, value)
	if err != nil {
		return err
	}
	b.WriteString(field)
	return nil
}
