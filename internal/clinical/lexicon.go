// Package clinical holds the shared medical vocabulary: term lists used to
// keep clinical language out of PII detection, and diagnosis profiles used for
// plausibility and consistency scoring.
package clinical

import "strings"

// Term categories mirror the working vocabulary of the record system.
var (
	Symptoms = []string{
		"発熱", "頭痛", "腹痛", "咳嗽", "呼吸困難", "胸痛", "めまい", "嘔吐", "下痢",
		"咽頭痛", "鼻汁", "倦怠感", "動悸", "冷汗", "悪心", "喀痰", "関節痛",
		"口渇", "多尿", "麻痺", "構音障害", "食欲不振",
	}
	Diagnoses = []string{
		"高血圧", "糖尿病", "脂質異常症", "心房細動", "心筋梗塞", "脳梗塞", "肺炎",
		"胃炎", "上気道炎", "インフルエンザ", "気管支炎", "喘息",
	}
	Drugs = []string{
		"アムロジピン", "メトホルミン", "アトルバスタチン", "ワルファリン", "アスピリン",
		"オセルタミビル", "ヘパリン", "インスリン", "アセトアミノフェン",
	}
	Tests = []string{
		"血液検査", "心電図", "胸部X線", "CT", "MRI", "エコー検査", "内視鏡",
		"インフルエンザ迅速検査", "尿検査",
	}
)

var termSet = func() map[string]struct{} {
	m := make(map[string]struct{})
	for _, group := range [][]string{Symptoms, Diagnoses, Drugs, Tests} {
		for _, t := range group {
			m[t] = struct{}{}
		}
	}
	return m
}()

// IsMedicalTerm reports whether s is exactly a known clinical term.
func IsMedicalTerm(s string) bool {
	_, ok := termSet[strings.TrimSpace(s)]
	return ok
}

// FindTerms returns the subset of vocab present in text, in vocab order.
func FindTerms(text string, vocab []string) []string {
	var found []string
	for _, term := range vocab {
		if strings.Contains(text, term) {
			found = append(found, term)
		}
	}
	return found
}

// DiagnosisProfile ties a diagnosis to its body system, the symptoms that
// support it, and treatments that plausibly address it.
type DiagnosisProfile struct {
	Name       string
	System     string
	Symptoms   []string
	Treatments []string
	Chronic    bool
}

// Profiles is keyed by the canonical diagnosis term. Lookup is by substring so
// qualified forms (急性心筋梗塞, 陳旧性心筋梗塞) resolve to the base profile.
var Profiles = []DiagnosisProfile{
	{Name: "上気道炎", System: "respiratory",
		Symptoms:   []string{"発熱", "咳嗽", "咽頭痛", "鼻汁", "倦怠感"},
		Treatments: []string{"対症療法", "解熱剤", "アセトアミノフェン", "水分補給", "安静"}},
	{Name: "インフルエンザ", System: "respiratory",
		Symptoms:   []string{"発熱", "咳嗽", "関節痛", "倦怠感"},
		Treatments: []string{"オセルタミビル", "抗インフルエンザ薬", "安静", "対症療法"}},
	{Name: "肺炎", System: "respiratory",
		Symptoms:   []string{"発熱", "咳嗽", "呼吸困難", "喀痰"},
		Treatments: []string{"抗菌薬", "抗生物質", "入院", "酸素投与"}},
	{Name: "気管支炎", System: "respiratory",
		Symptoms:   []string{"咳嗽", "喀痰", "発熱"},
		Treatments: []string{"鎮咳薬", "対症療法", "去痰薬"}},
	{Name: "喘息", System: "respiratory",
		Symptoms:   []string{"呼吸困難", "咳嗽"},
		Treatments: []string{"吸入ステロイド", "気管支拡張薬"}, Chronic: true},
	{Name: "心筋梗塞", System: "cardiovascular",
		Symptoms:   []string{"胸痛", "冷汗", "呼吸困難", "悪心"},
		Treatments: []string{"カテーテル治療", "アスピリン", "ヘパリン", "冠動脈"}},
	{Name: "心房細動", System: "cardiovascular",
		Symptoms:   []string{"動悸", "めまい"},
		Treatments: []string{"ワルファリン", "抗凝固療法", "レートコントロール"}, Chronic: true},
	{Name: "高血圧", System: "cardiovascular",
		Symptoms:   []string{"頭痛", "めまい"},
		Treatments: []string{"アムロジピン", "降圧薬", "減塩"}, Chronic: true},
	{Name: "糖尿病", System: "endocrine",
		Symptoms:   []string{"口渇", "多尿", "倦怠感"},
		Treatments: []string{"メトホルミン", "インスリン", "食事療法", "運動療法"}, Chronic: true},
	{Name: "脂質異常症", System: "endocrine",
		Symptoms:   nil,
		Treatments: []string{"アトルバスタチン", "食事療法"}, Chronic: true},
	{Name: "胃炎", System: "gastrointestinal",
		Symptoms:   []string{"腹痛", "悪心", "嘔吐", "食欲不振"},
		Treatments: []string{"制酸薬", "プロトンポンプ阻害薬", "食事指導"}},
	{Name: "脳梗塞", System: "neurological",
		Symptoms:   []string{"麻痺", "構音障害", "めまい"},
		Treatments: []string{"血栓溶解療法", "抗血小板薬", "リハビリテーション"}},
}

// FindDiagnoses returns profiles whose diagnosis term appears in text.
func FindDiagnoses(text string) []DiagnosisProfile {
	var found []DiagnosisProfile
	for _, p := range Profiles {
		if strings.Contains(text, p.Name) {
			found = append(found, p)
		}
	}
	return found
}
