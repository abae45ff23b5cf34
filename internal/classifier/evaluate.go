package classifier

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"
)

// ConfusionMatrix counts binary outcomes with suspicious as the positive class.
type ConfusionMatrix struct {
	TN int `json:"true_negatives"`
	FP int `json:"false_positives"`
	FN int `json:"false_negatives"`
	TP int `json:"true_positives"`
}

func (m ConfusionMatrix) Total() int { return m.TN + m.FP + m.FN + m.TP }

func (m ConfusionMatrix) Accuracy() float64 {
	return ratio(m.TN+m.TP, m.Total())
}

func (m ConfusionMatrix) Precision() float64 {
	return ratio(m.TP, m.TP+m.FP)
}

func (m ConfusionMatrix) Recall() float64 {
	return ratio(m.TP, m.TP+m.FN)
}

func (m ConfusionMatrix) Specificity() float64 {
	return ratio(m.TN, m.TN+m.FP)
}

func (m *ConfusionMatrix) add(actual, predicted bool) {
	switch {
	case actual && predicted:
		m.TP++
	case actual:
		m.FN++
	case predicted:
		m.FP++
	default:
		m.TN++
	}
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

type FeatureImportance struct {
	Feature    string  `json:"feature"`
	Importance float64 `json:"importance"`
}

// ROCCurve holds paired points ordered by ascending false positive rate.
type ROCCurve struct {
	FPR        []float64 `json:"fpr"`
	TPR        []float64 `json:"tpr"`
	Thresholds []float64 `json:"thresholds"`
}

func (c ROCCurve) Len() int { return len(c.FPR) }

type Evaluation struct {
	ConfusionMatrix   ConfusionMatrix     `json:"confusion_matrix"`
	Accuracy          float64             `json:"accuracy"`
	Precision         float64             `json:"precision"`
	Recall            float64             `json:"recall"`
	Specificity       float64             `json:"specificity"`
	FeatureImportance []FeatureImportance `json:"feature_importance"`
	ROC               ROCCurve            `json:"roc_curve"`
	AUC               float64             `json:"auc"`
	AUCQuality        string              `json:"auc_quality"`
	Samples           int                 `json:"samples"`
	Suspicious        int                 `json:"suspicious"`
}

// rocCurve computes the full curve of scores against labels and the area under
// it. Degenerate input (one class only) yields non-finite rates, which are
// replaced: fpr by 0, tpr by 1, thresholds by 1 and the AUC by 1.
func rocCurve(scores []float64, labels []bool) (ROCCurve, float64) {
	if len(scores) == 0 {
		return ROCCurve{}, 1.0
	}
	y := append([]float64(nil), scores...)
	classes := append([]bool(nil), labels...)
	stat.SortWeightedLabeled(y, classes, nil)

	tpr, fpr, thresh := stat.ROC(nil, y, classes, nil)

	auc := math.NaN()
	if len(fpr) >= 2 && allFinite(fpr) && allFinite(tpr) && sort.Float64sAreSorted(fpr) {
		auc = integrate.Trapezoidal(fpr, tpr)
	}

	curve := ROCCurve{
		FPR:        sanitize(fpr, 0),
		TPR:        sanitize(tpr, 1),
		Thresholds: sanitize(thresh, 1),
	}
	if math.IsNaN(auc) || math.IsInf(auc, 0) {
		auc = 1.0
	}
	return curve, auc
}

// SampleROC bounds the curve to about 20 points: index 0, every step-th
// interior index starting at 1, and the last index.
func SampleROC(c ROCCurve) ROCCurve {
	n := c.Len()
	if n <= 2 {
		return c
	}
	step := max(1, n/20)
	idx := []int{0}
	for i := 1; i < n-1; i += step {
		idx = append(idx, i)
	}
	idx = append(idx, n-1)

	out := ROCCurve{
		FPR:        make([]float64, len(idx)),
		TPR:        make([]float64, len(idx)),
		Thresholds: make([]float64, len(idx)),
	}
	for k, i := range idx {
		out.FPR[k] = c.FPR[i]
		out.TPR[k] = c.TPR[i]
		out.Thresholds[k] = c.Thresholds[i]
	}
	return out
}

// AUCQuality labels an AUC for dashboards.
func AUCQuality(auc float64) string {
	switch {
	case auc >= 0.95:
		return "Perfect"
	case auc >= 0.90:
		return "Excellent"
	default:
		return "Good"
	}
}

func rankImportance(names []string, values []float64) []FeatureImportance {
	out := make([]FeatureImportance, 0, len(names))
	for i, name := range names {
		var v float64
		if i < len(values) {
			v = values[i]
		}
		out = append(out, FeatureImportance{Feature: name, Importance: v})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Importance > out[j].Importance })
	return out
}

func allFinite(xs []float64) bool {
	for _, v := range xs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func sanitize(xs []float64, replacement float64) []float64 {
	out := make([]float64, len(xs))
	for i, v := range xs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = replacement
		}
		out[i] = v
	}
	return out
}
