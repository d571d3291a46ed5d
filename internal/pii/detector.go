// Package pii implements the detector/masker: a pipeline of independent
// matchers whose detections are filtered, de-overlapped, ordered by position,
// and masked according to the requested masking level.
package pii

import (
	"sort"
	"strings"

	"github.com/sakuramed/safeguard/internal/clinical"
	"github.com/sakuramed/safeguard/internal/safety"
)

// Result carries the detections (ordered by position in the source text) and
// the text with all level-eligible spans masked.
type Result struct {
	Detections []safety.PIIDetection
	MaskedText string
}

// Detector runs the matcher pipeline. It performs no I/O and writes no audit
// records; it is only ever invoked through the orchestrator.
type Detector struct {
	matchers []Matcher
	floor    float64
}

// NewDetector builds a detector with the default matcher pipeline.
// Detections with confidence below floor are dropped before they reach the
// caller.
func NewDetector(floor float64) *Detector {
	return &Detector{matchers: DefaultMatchers(), floor: floor}
}

// NewDetectorWithMatchers allows a custom pipeline, mainly for tests.
func NewDetectorWithMatchers(floor float64, matchers ...Matcher) *Detector {
	return &Detector{matchers: matchers, floor: floor}
}

// Detect scans text and produces ordered detections plus the masked variant.
// When medicalContext is set, clinical vocabulary (diagnoses, drug names, lab
// tests) is never reported as PII even where it resembles proper nouns. Empty
// input is an InvalidInput error.
func (d *Detector) Detect(text string, medicalContext bool, level safety.MaskingLevel) (*Result, error) {
	if strings.TrimSpace(text) == "" {
		return nil, safety.InvalidInput("text is required")
	}

	var raw []safety.PIIDetection
	for _, m := range d.matchers {
		raw = append(raw, m.Scan(text)...)
	}

	kept := raw[:0]
	for _, det := range raw {
		if det.Confidence < d.floor {
			continue
		}
		if medicalContext && det.Type == safety.PIITypeName && clinical.IsMedicalTerm(det.Text) {
			continue
		}
		kept = append(kept, det)
	}

	resolved := resolveOverlaps(kept)
	for i := range resolved {
		resolved[i].MaskedText = maskValue(resolved[i].Text, resolved[i].Type, level)
	}

	masked := applyMasks(text, resolved, level)

	return &Result{Detections: resolved, MaskedText: masked}, nil
}

// resolveOverlaps keeps at most one detection per overlapping region,
// preferring higher confidence and then the longer span. The survivors are
// returned ordered by position so masking can splice without re-indexing.
func resolveOverlaps(dets []safety.PIIDetection) []safety.PIIDetection {
	byPriority := make([]safety.PIIDetection, len(dets))
	copy(byPriority, dets)
	sort.SliceStable(byPriority, func(i, j int) bool {
		if byPriority[i].Confidence != byPriority[j].Confidence {
			return byPriority[i].Confidence > byPriority[j].Confidence
		}
		return byPriority[i].End-byPriority[i].Start > byPriority[j].End-byPriority[j].Start
	})

	var survivors []safety.PIIDetection
	for _, cand := range byPriority {
		conflict := false
		for _, s := range survivors {
			if cand.Start < s.End && s.Start < cand.End {
				conflict = true
				break
			}
		}
		if !conflict {
			survivors = append(survivors, cand)
		}
	}

	sort.Slice(survivors, func(i, j int) bool { return survivors[i].Start < survivors[j].Start })
	return survivors
}

// applyMasks splices mask values over eligible spans, walking right to left so
// byte offsets of pending spans stay valid. Ineligible detections remain in
// the output text untouched; they are still reported for audit visibility.
func applyMasks(text string, dets []safety.PIIDetection, level safety.MaskingLevel) string {
	out := text
	for i := len(dets) - 1; i >= 0; i-- {
		det := dets[i]
		if !maskEligible(det.Type, level) {
			continue
		}
		out = out[:det.Start] + det.MaskedText + out[det.End:]
	}
	return out
}
