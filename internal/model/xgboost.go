package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/surfwatch/crowd-forecast-service/internal/features"
	"github.com/surfwatch/crowd-forecast-service/internal/models"
)

// ErrUnsupportedModel is returned for model files the evaluator cannot score.
var ErrUnsupportedModel = errors.New("unsupported model")

type link int

const (
	linkIdentity link = iota
	linkExp
	linkSigmoid
)

var objectiveLinks = map[string]link{
	"reg:squarederror":     linkIdentity,
	"reg:linear":           linkIdentity,
	"reg:absoluteerror":    linkIdentity,
	"reg:pseudohubererror": linkIdentity,
	"reg:quantileerror":    linkIdentity,
	"count:poisson":        linkExp,
	"reg:gamma":            linkExp,
	"reg:tweedie":          linkExp,
	"reg:logistic":         linkSigmoid,
	"binary:logistic":      linkSigmoid,
}

// TreeEnsemble evaluates a gradient-boosted tree model saved in XGBoost's JSON format.
// Split comparisons use float32 like XGBoost; NaN inputs follow each node's default branch.
type TreeEnsemble struct {
	trees        []tree
	weights      []float32
	baseMargin   float32
	link         link
	numFeature   int
	featureNames []string
	objective    string
}

type tree struct {
	left        []int32
	right       []int32
	splitIndex  []int32
	splitCond   []float32
	defaultLeft []bool
}

// xgbFile mirrors the subset of the XGBoost JSON schema the evaluator reads.
type xgbFile struct {
	Learner struct {
		FeatureNames    []string `json:"feature_names"`
		GradientBooster struct {
			Name   string    `json:"name"`
			Model  *xgbModel `json:"model"`
			GBTree *struct {
				Model *xgbModel `json:"model"`
			} `json:"gbtree"`
			WeightDrop []float64 `json:"weight_drop"`
		} `json:"gradient_booster"`
		LearnerModelParam struct {
			BaseScore  string `json:"base_score"`
			NumClass   string `json:"num_class"`
			NumFeature string `json:"num_feature"`
			NumTarget  string `json:"num_target"`
		} `json:"learner_model_param"`
		Objective struct {
			Name string `json:"name"`
		} `json:"objective"`
	} `json:"learner"`
}

type xgbModel struct {
	Trees []xgbTree `json:"trees"`
}

type xgbTree struct {
	LeftChildren    []int32   `json:"left_children"`
	RightChildren   []int32   `json:"right_children"`
	SplitIndices    []int32   `json:"split_indices"`
	SplitConditions []float64 `json:"split_conditions"`
	DefaultLeft     flexBools `json:"default_left"`
	SplitType       []int     `json:"split_type"`
}

// flexBools accepts both [true,false] and [1,0]; XGBoost versions differ.
type flexBools []bool

func (f *flexBools) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make([]bool, len(raw))
	for i, r := range raw {
		switch s := string(bytes.TrimSpace(r)); s {
		case "true", "1":
			out[i] = true
		case "false", "0":
		default:
			return fmt.Errorf("default_left[%d]: unexpected value %s", i, s)
		}
	}
	*f = out
	return nil
}

// LoadTreeEnsemble reads an XGBoost JSON model file.
func LoadTreeEnsemble(path string) (*TreeEnsemble, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}
	return ParseTreeEnsemble(raw)
}

// ParseTreeEnsemble parses an XGBoost JSON model document.
func ParseTreeEnsemble(raw []byte) (*TreeEnsemble, error) {
	var f xgbFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse model: %w", err)
	}
	l := f.Learner

	lk, ok := objectiveLinks[l.Objective.Name]
	if !ok {
		return nil, fmt.Errorf("%w: objective %q", ErrUnsupportedModel, l.Objective.Name)
	}
	if n := atoiDefault(l.LearnerModelParam.NumClass, 0); n > 1 {
		return nil, fmt.Errorf("%w: %d classes", ErrUnsupportedModel, n)
	}
	if n := atoiDefault(l.LearnerModelParam.NumTarget, 1); n > 1 {
		return nil, fmt.Errorf("%w: %d targets", ErrUnsupportedModel, n)
	}
	numFeature := atoiDefault(l.LearnerModelParam.NumFeature, 0)
	if numFeature <= 0 {
		return nil, fmt.Errorf("%w: num_feature missing", ErrUnsupportedModel)
	}

	base, err := parseBaseScore(l.LearnerModelParam.BaseScore)
	if err != nil {
		return nil, err
	}
	baseMargin, err := toMargin(base, lk)
	if err != nil {
		return nil, err
	}

	var m *xgbModel
	var weights []float64
	switch gb := l.GradientBooster; gb.Name {
	case "gbtree":
		m = gb.Model
	case "dart":
		if gb.GBTree != nil {
			m = gb.GBTree.Model
		}
		weights = gb.WeightDrop
	default:
		return nil, fmt.Errorf("%w: booster %q", ErrUnsupportedModel, gb.Name)
	}
	if m == nil {
		return nil, fmt.Errorf("%w: no tree model", ErrUnsupportedModel)
	}
	if weights != nil && len(weights) != len(m.Trees) {
		return nil, fmt.Errorf("%w: %d dart weights for %d trees", ErrUnsupportedModel, len(weights), len(m.Trees))
	}

	te := &TreeEnsemble{
		trees:        make([]tree, len(m.Trees)),
		weights:      make([]float32, len(m.Trees)),
		baseMargin:   baseMargin,
		link:         lk,
		numFeature:   numFeature,
		featureNames: l.FeatureNames,
		objective:    l.Objective.Name,
	}
	for i, t := range m.Trees {
		conv, err := convertTree(t, numFeature)
		if err != nil {
			return nil, fmt.Errorf("tree %d: %w", i, err)
		}
		te.trees[i] = conv
		te.weights[i] = 1
		if weights != nil {
			te.weights[i] = float32(weights[i])
		}
	}
	return te, nil
}

func convertTree(t xgbTree, numFeature int) (tree, error) {
	n := len(t.LeftChildren)
	if n == 0 {
		return tree{}, fmt.Errorf("%w: empty tree", ErrUnsupportedModel)
	}
	if len(t.RightChildren) != n || len(t.SplitIndices) != n || len(t.SplitConditions) != n || len(t.DefaultLeft) != n {
		return tree{}, fmt.Errorf("%w: node arrays differ in length", ErrUnsupportedModel)
	}
	for _, st := range t.SplitType {
		if st != 0 {
			return tree{}, fmt.Errorf("%w: categorical splits", ErrUnsupportedModel)
		}
	}
	out := tree{
		left:        t.LeftChildren,
		right:       t.RightChildren,
		splitIndex:  t.SplitIndices,
		splitCond:   make([]float32, n),
		defaultLeft: t.DefaultLeft,
	}
	for i := 0; i < n; i++ {
		out.splitCond[i] = float32(t.SplitConditions[i])
		if out.left[i] == -1 {
			continue
		}
		// Children always follow their parent; this also rules out cycles.
		if l, r := out.left[i], out.right[i]; l <= int32(i) || r <= int32(i) || int(l) >= n || int(r) >= n {
			return tree{}, fmt.Errorf("%w: node %d has invalid children", ErrUnsupportedModel, i)
		}
		if idx := out.splitIndex[i]; idx < 0 || int(idx) >= numFeature {
			return tree{}, fmt.Errorf("%w: node %d splits on feature %d of %d", ErrUnsupportedModel, i, idx, numFeature)
		}
	}
	return out, nil
}

func (t tree) leaf(x []float32) float32 {
	i := int32(0)
	for t.left[i] != -1 {
		v := x[t.splitIndex[i]]
		switch {
		case v != v: // NaN
			if t.defaultLeft[i] {
				i = t.left[i]
			} else {
				i = t.right[i]
			}
		case v < t.splitCond[i]:
			i = t.left[i]
		default:
			i = t.right[i]
		}
	}
	return t.splitCond[i]
}

// Score implements Scorer.
func (te *TreeEnsemble) Score(ctx context.Context, v models.FeatureVector) (float64, error) {
	if err := checkWidth(v, te.numFeature); err != nil {
		return 0, err
	}
	x := make([]float32, len(v.Values))
	for i, f := range v.Values {
		x[i] = float32(f)
	}
	margin := te.baseMargin
	for i, t := range te.trees {
		margin += te.weights[i] * t.leaf(x)
	}
	return applyLink(float64(margin), te.link), nil
}

// CheckContract verifies the feature count and, when the model stores them, the names and order.
func (te *TreeEnsemble) CheckContract(c features.Contract) error {
	if c.Len() != te.numFeature {
		return fmt.Errorf("%w: feature list has %d names, model expects %d", features.ErrFeatureContractMismatch, c.Len(), te.numFeature)
	}
	if len(te.featureNames) == 0 {
		return nil
	}
	names := c.Names()
	for i, n := range te.featureNames {
		if names[i] != n {
			return fmt.Errorf("%w: feature %d is %q, model expects %q", features.ErrFeatureContractMismatch, i, names[i], n)
		}
	}
	return nil
}

// NumFeature returns the model's input width.
func (te *TreeEnsemble) NumFeature() int { return te.numFeature }

// NumTrees returns the number of boosted trees.
func (te *TreeEnsemble) NumTrees() int { return len(te.trees) }

// Objective returns the training objective name.
func (te *TreeEnsemble) Objective() string { return te.objective }

// parseBaseScore accepts "5E-1" and the bracketed vector form "[5E-1]".
func parseBaseScore(s string) (float64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if s == "" {
		return 0.5, nil
	}
	if i := strings.IndexByte(s, ','); i >= 0 {
		return 0, fmt.Errorf("%w: vector base_score %q", ErrUnsupportedModel, s)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("parse base_score %q: %w", s, err)
	}
	return v, nil
}

func toMargin(base float64, lk link) (float32, error) {
	switch lk {
	case linkExp:
		if base <= 0 {
			return 0, fmt.Errorf("%w: base_score %v for log link", ErrUnsupportedModel, base)
		}
		return float32(math.Log(base)), nil
	case linkSigmoid:
		if base <= 0 || base >= 1 {
			return 0, fmt.Errorf("%w: base_score %v for logit link", ErrUnsupportedModel, base)
		}
		return float32(math.Log(base / (1 - base))), nil
	default:
		return float32(base), nil
	}
}

func applyLink(margin float64, lk link) float64 {
	switch lk {
	case linkExp:
		return math.Exp(margin)
	case linkSigmoid:
		return 1 / (1 + math.Exp(-margin))
	default:
		return margin
	}
}

func atoiDefault(s string, def int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
