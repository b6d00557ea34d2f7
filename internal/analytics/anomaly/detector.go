package anomaly

import (
	"github.com/newsdigest/watchtower/internal/analytics/threshold"
	"github.com/newsdigest/watchtower/internal/models"
)

// Package anomaly evaluates metric samples with an ensemble of independent
// voters and emits an AnomalyFinding when a quorum agrees.
//
// Philosophy: Classical Statistics First
//   - Every built-in voter is interpretable and deterministic
//   - A single noisy voter can neither raise nor suppress a finding alone
//   - Voters are plain functions; adding one never touches alerting
//
// Voters (in order):
//
//   1. threshold
//      - Fires when value > current adaptive threshold (strict)
//      - Confidence grows with the relative excess
//
//   2. zscore
//      - Fires when |value - mean| > k * stddev (k defaults to 3)
//      - Zero stddev fires on any deviation
//
//   3. trend
//      - Fires when the last K values (window tail plus the sample) move
//        strictly in one direction and |slope| exceeds the slope bound
//
//   4. isolation (optional, off by default)
//      - Isolation forest trained on the current window
//      - Fires when the sample's anomaly score exceeds the score threshold
//
// Evaluation Contract:
//   - The sample is judged against the state and window from before it is
//     recorded, so a spike cannot inflate its own baseline
//   - Fewer than min_samples values in the window means no verdict
//     (insufficient history); this is not an error
//   - deviation_score is the mean confidence of the voters that fired

// Vote is one voter's verdict.
type Vote struct {
	Fired      bool
	Confidence float64
}

// Input is what every voter sees.
type Input struct {
	Sample models.MetricSample
	State  models.ThresholdState
	// Recent holds window values in arrival order, excluding Sample.
	Recent []float64
}

// Voter is one independent detector in the ensemble.
type Voter struct {
	Name string
	Vote func(in Input) Vote
}

// Source supplies the threshold state and recent window for a metric.
type Source interface {
	View(metricName string, n int) (threshold.View, bool)
}

// Detector evaluates samples against the ensemble.
type Detector interface {
	// Evaluate returns a finding when the quorum is reached. The bool is
	// false for normal samples and for insufficient history.
	Evaluate(sample models.MetricSample) (models.AnomalyFinding, bool)

	// Voters returns the names of the registered voters, in order.
	Voters() []string
}

// Config controls the ensemble.
type Config struct {
	Quorum           int
	MinSamples       int
	ZScoreMultiplier float64
	TrendSamples     int
	SlopeBound       float64
	Isolation        IsolationConfig
}

// IsolationConfig controls the optional isolation forest voter.
type IsolationConfig struct {
	Enabled        bool
	Trees          int
	SubSample      int
	ScoreThreshold float64
	Seed           int64
	// History is how many window values the forest is trained on.
	History int
}
