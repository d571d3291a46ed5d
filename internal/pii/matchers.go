package pii

import (
	"fmt"
	"regexp"
	"unicode/utf8"

	"github.com/sakuramed/safeguard/internal/safety"
)

// Matcher is one independent detection strategy. The detector composes a list
// of them, so new PII types can be added without touching orchestration code.
type Matcher interface {
	Name() string
	Scan(text string) []safety.PIIDetection
}

// patternMatcher detects identifiers with structural regularities.
type patternMatcher struct {
	name      string
	piiType   safety.PIIType
	re        *regexp.Regexp
	longConf  float64
	shortConf float64
}

func (m *patternMatcher) Name() string { return m.name }

func (m *patternMatcher) Scan(text string) []safety.PIIDetection {
	var out []safety.PIIDetection
	for _, loc := range m.re.FindAllStringIndex(text, -1) {
		span := text[loc[0]:loc[1]]
		conf := m.shortConf
		if utf8.RuneCountInString(span) > 5 {
			conf = m.longConf
		}
		out = append(out, safety.PIIDetection{
			Type:       m.piiType,
			Text:       span,
			Start:      loc[0],
			End:        loc[1],
			Confidence: conf,
			Reasoning:  fmt.Sprintf("構造パターン一致 (%s)", m.name),
			Source:     "pattern:" + m.name,
		})
	}
	return out
}

// Japanese clinical text is the primary corpus; the structural patterns
// follow the identifier formats used in the record system.
var (
	patientIDRe = regexp.MustCompile(`患者番号[：:\s]*[0-9A-Za-z\-]{6,20}`)
	phoneRe     = regexp.MustCompile(`0[0-9]{1,4}-[0-9]{1,4}-[0-9]{3,4}|0[0-9]{9,11}`)
	emailRe     = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	addressRe   = regexp.MustCompile(`〒?[0-9]{3}-?[0-9]{4}[^\s、。]*?(市|区|町|村)`)
	birthDateRe = regexp.MustCompile(`(19|20)[0-9]{2}年[0-9]{1,2}月[0-9]{1,2}日`)
	insuranceRe = regexp.MustCompile(`保険証番号[：:\s]*[0-9]{8,10}`)
	// Common-surname detection: surname optionally followed by a given name.
	nameRe = regexp.MustCompile(`(田中|佐藤|高橋|山田|渡辺|伊藤|中村|小林|山本|加藤)[　\s]*[一二三四五六七八九十太郎次郎花子美子愛子][一二三四五六七八九十郎子美愛]*`)
	// Katakana runs long enough to be transliterated person names. Drug and
	// test names match this too; the detector's medical-context pass drops
	// those before they reach callers.
	katakanaRe = regexp.MustCompile(`[ァ-ヶー]{4,}`)
)

// DefaultMatchers returns the standard matcher pipeline, ordered by type.
func DefaultMatchers() []Matcher {
	return []Matcher{
		&patternMatcher{name: "patient_id", piiType: safety.PIITypePatientID, re: patientIDRe, longConf: 0.9, shortConf: 0.7},
		&patternMatcher{name: "insurance_number", piiType: safety.PIITypeInsuranceNumber, re: insuranceRe, longConf: 0.9, shortConf: 0.7},
		&patternMatcher{name: "phone", piiType: safety.PIITypePhone, re: phoneRe, longConf: 0.9, shortConf: 0.7},
		&patternMatcher{name: "email", piiType: safety.PIITypeEmail, re: emailRe, longConf: 0.9, shortConf: 0.7},
		&patternMatcher{name: "address", piiType: safety.PIITypeAddress, re: addressRe, longConf: 0.8, shortConf: 0.6},
		&patternMatcher{name: "birth_date", piiType: safety.PIITypeBirthDate, re: birthDateRe, longConf: 0.9, shortConf: 0.7},
		&patternMatcher{name: "name", piiType: safety.PIITypeName, re: nameRe, longConf: 0.9, shortConf: 0.7},
		&katakanaNameMatcher{},
	}
}

// katakanaNameMatcher is the contextual name matcher. It fires on katakana
// runs, with lower confidence than the surname matcher since katakana also
// covers clinical vocabulary.
type katakanaNameMatcher struct{}

func (m *katakanaNameMatcher) Name() string { return "katakana_name" }

func (m *katakanaNameMatcher) Scan(text string) []safety.PIIDetection {
	var out []safety.PIIDetection
	for _, loc := range katakanaRe.FindAllStringIndex(text, -1) {
		span := text[loc[0]:loc[1]]
		out = append(out, safety.PIIDetection{
			Type:       safety.PIITypeName,
			Text:       span,
			Start:      loc[0],
			End:        loc[1],
			Confidence: 0.55,
			Reasoning:  "カタカナ連続（人名の可能性）",
			Source:     "contextual:katakana_name",
		})
	}
	return out
}
