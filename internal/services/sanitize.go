package services

import (
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

const (
	maxOrderNotesLength   = 2000
	maxAddressFieldLength = 200
	maxPaymentFieldLength = 200
	maxItemNameLength     = 200
)

var strictText = bluemonday.StrictPolicy()

// sanitizeText strips markup from free text supplied at checkout and caps its length in runes.
func sanitizeText(value string, limit int) string {
	cleaned := strings.TrimSpace(strictText.Sanitize(strings.TrimSpace(value)))
	if limit > 0 && utf8.RuneCountInString(cleaned) > limit {
		runes := []rune(cleaned)
		cleaned = strings.TrimSpace(string(runes[:limit]))
	}
	return cleaned
}

func sanitizeAddress(addr Address) Address {
	return Address{
		Street:     sanitizeText(addr.Street, maxAddressFieldLength),
		City:       sanitizeText(addr.City, maxAddressFieldLength),
		PostalCode: sanitizeText(addr.PostalCode, maxAddressFieldLength),
		Country:    sanitizeText(addr.Country, maxAddressFieldLength),
	}
}
