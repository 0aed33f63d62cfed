package risk

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// node is one decision-tree node. Leaves have no children.
type node struct {
	feature   int
	threshold float64
	left      *node
	right     *node
	leaf      bool
	vote      bool // leaf predicts class 1
}

// Forest is an ensemble of binary decision trees voting on class 1.
// It is immutable after load.
type Forest struct {
	trees      []*node
	importance []float64
}

// Trees returns the number of trees in the ensemble.
func (f *Forest) Trees() int { return len(f.trees) }

// FeatureImportance returns the exported per-feature importance, if any.
func (f *Forest) FeatureImportance() []float64 {
	return append([]float64(nil), f.importance...)
}

// Votes walks every tree over vec and returns how many predict class 1.
func (f *Forest) Votes(vec []float64) int {
	votes := 0
	for _, t := range f.trees {
		if predict(t, vec) {
			votes++
		}
	}
	return votes
}

func predict(n *node, vec []float64) bool {
	for !n.leaf {
		var x float64
		if n.feature < len(vec) {
			x = vec[n.feature]
		}
		if x <= n.threshold {
			n = n.left
		} else {
			n = n.right
		}
	}
	return n.vote
}

// -----------------------------------------------------------------------------
// Decoding
// -----------------------------------------------------------------------------

type forestJSON struct {
	Trees             []nodeJSON `json:"trees"`
	FeatureImportance []float64  `json:"feature_importance"`
}

// A leaf carries either "class", an explicit 0/1 label, or "value", the
// exporter's tree_.value[id][0][0]: the share of class-0 samples at the leaf.
// Such a leaf votes fraud when fewer than half of its samples are benign.
// Older exports that wrote raw sample counts are rejected.
type nodeJSON struct {
	Feature   json.RawMessage `json:"feature"`
	Threshold float64         `json:"threshold"`
	Children  []nodeJSON      `json:"children"`
	Value     *float64        `json:"value"`
	Class     *float64        `json:"class"`
}

// decodeForest parses the exported model. Split features may be vector
// indexes or vocabulary terms; terms are resolved through vec.
func decodeForest(data []byte, vec *Vectorizer) (*Forest, error) {
	var raw forestJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: model: %v", ErrModelLoad, err)
	}
	if len(raw.Trees) == 0 {
		return nil, fmt.Errorf("%w: model has no trees", ErrModelLoad)
	}

	f := &Forest{trees: make([]*node, 0, len(raw.Trees)), importance: raw.FeatureImportance}
	for i := range raw.Trees {
		n, err := buildNode(&raw.Trees[i], vec)
		if err != nil {
			return nil, fmt.Errorf("%w: tree %d: %v", ErrModelLoad, i, err)
		}
		f.trees = append(f.trees, n)
	}
	return f, nil
}

func buildNode(raw *nodeJSON, vec *Vectorizer) (*node, error) {
	if len(raw.Children) == 0 {
		leaf := &node{leaf: true}
		switch {
		case raw.Class != nil:
			leaf.vote = *raw.Class == 1
		case raw.Value != nil:
			share := *raw.Value
			if share < 0 || share > 1 {
				return nil, fmt.Errorf("leaf value %v is not a class-0 share; export class labels or fractions", share)
			}
			leaf.vote = share < 0.5
		default:
			return nil, fmt.Errorf("leaf without class or value")
		}
		return leaf, nil
	}
	if len(raw.Children) != 2 {
		return nil, fmt.Errorf("split node has %d children", len(raw.Children))
	}

	feature, err := resolveFeature(raw.Feature, vec)
	if err != nil {
		return nil, err
	}
	left, err := buildNode(&raw.Children[0], vec)
	if err != nil {
		return nil, err
	}
	right, err := buildNode(&raw.Children[1], vec)
	if err != nil {
		return nil, err
	}
	return &node{feature: feature, threshold: raw.Threshold, left: left, right: right}, nil
}

func resolveFeature(raw json.RawMessage, vec *Vectorizer) (int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0, fmt.Errorf("split node without feature")
	}
	if raw[0] == '"' {
		var term string
		if err := json.Unmarshal(raw, &term); err != nil {
			return 0, err
		}
		i, ok := vec.Index(term)
		if !ok {
			return 0, fmt.Errorf("feature %q not in vocabulary", term)
		}
		return i, nil
	}
	var i int
	if err := json.Unmarshal(raw, &i); err != nil {
		return 0, fmt.Errorf("feature: %v", err)
	}
	if i < 0 || i >= vec.Size() {
		return 0, fmt.Errorf("feature index %d out of range [0,%d)", i, vec.Size())
	}
	return i, nil
}
