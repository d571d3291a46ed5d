package pii

import (
	"strings"

	"github.com/sakuramed/safeguard/internal/safety"
)

// maskEligible reports whether a PII type is masked at the given level.
// Minimal covers direct identifiers only; standard adds contact and location
// data; maximum covers everything including indirect identifiers.
func maskEligible(t safety.PIIType, level safety.MaskingLevel) bool {
	switch level {
	case safety.MaskingMinimal:
		return t.DirectIdentifier()
	case safety.MaskingStandard:
		return t.DirectIdentifier() || t == safety.PIITypeEmail || t == safety.PIITypeAddress
	default: // maximum
		return true
	}
}

// maskValue produces the replacement for a detected span. Shapes follow the
// record system's conventions: partial reveals at lower levels, type-tagged
// placeholders at maximum.
func maskValue(text string, t safety.PIIType, level safety.MaskingLevel) string {
	runes := []rune(text)
	n := len(runes)

	switch level {
	case safety.MaskingMinimal:
		switch t {
		case safety.PIITypeName:
			if n > 1 {
				return string(runes[0]) + "***"
			}
			return "*"
		case safety.PIITypePatientID, safety.PIITypePhone, safety.PIITypeInsuranceNumber:
			if n > 2 {
				return "***" + string(runes[n-2:])
			}
			return strings.Repeat("*", n)
		}
		return standardMask(runes, t)

	case safety.MaskingMaximum:
		return placeholder(t)

	default: // standard
		return standardMask(runes, t)
	}
}

func standardMask(runes []rune, t safety.PIIType) string {
	n := len(runes)
	switch t {
	case safety.PIITypePatientID, safety.PIITypePhone, safety.PIITypeEmail, safety.PIITypeInsuranceNumber:
		if n > 2 {
			return strings.Repeat("*", n-2) + string(runes[n-2:])
		}
		return strings.Repeat("*", n)
	case safety.PIITypeName:
		if n > 1 {
			return string(runes[0]) + strings.Repeat("*", n-1)
		}
		return "*"
	default:
		return strings.Repeat("*", n)
	}
}

func placeholder(t safety.PIIType) string {
	switch t {
	case safety.PIITypeName:
		return "[患者名]"
	case safety.PIITypePatientID:
		return "[患者ID]"
	case safety.PIITypePhone:
		return "[電話番号]"
	case safety.PIITypeEmail:
		return "[メールアドレス]"
	case safety.PIITypeAddress:
		return "[住所]"
	case safety.PIITypeBirthDate:
		return "[生年月日]"
	case safety.PIITypeInsuranceNumber:
		return "[保険証番号]"
	default:
		return "[個人情報]"
	}
}
