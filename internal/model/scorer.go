// Package model provides the crowdedness scoring capability.
package model

import (
	"context"
	"fmt"

	"github.com/surfwatch/crowd-forecast-service/internal/features"
	"github.com/surfwatch/crowd-forecast-service/internal/models"
)

// Scorer evaluates one feature vector. Implementations are safe for concurrent use.
type Scorer interface {
	Score(ctx context.Context, v models.FeatureVector) (float64, error)
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(ctx context.Context, v models.FeatureVector) (float64, error)

// Score implements Scorer.
func (f ScorerFunc) Score(ctx context.Context, v models.FeatureVector) (float64, error) {
	return f(ctx, v)
}

// ContractChecker is implemented by scorers that know the schema they were trained on.
type ContractChecker interface {
	CheckContract(c features.Contract) error
}

// Verify runs s.CheckContract when s implements ContractChecker.
func Verify(s Scorer, c features.Contract) error {
	if cc, ok := s.(ContractChecker); ok {
		return cc.CheckContract(c)
	}
	return nil
}

func checkWidth(v models.FeatureVector, want int) error {
	if len(v.Values) != want {
		return fmt.Errorf("%w: vector has %d values, model expects %d", features.ErrFeatureContractMismatch, len(v.Values), want)
	}
	return nil
}
