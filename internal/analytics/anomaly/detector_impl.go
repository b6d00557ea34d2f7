package anomaly

import (
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/newsdigest/watchtower/internal/analytics/timeseries"
	"github.com/newsdigest/watchtower/internal/metrics"
	"github.com/newsdigest/watchtower/internal/models"
)

type detectorImpl struct {
	cfg    Config
	source Source
	voters []Voter
	// history is how many window values each evaluation needs.
	history int
	logger  *zap.Logger
}

// Option configures a Detector.
type Option func(*detectorImpl)

// WithVoters appends extra voters after the built-in ones.
func WithVoters(voters ...Voter) Option {
	return func(d *detectorImpl) { d.voters = append(d.voters, voters...) }
}

// WithLogger sets the detector logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *detectorImpl) { d.logger = logger }
}

// NewDetector creates the voting ensemble over a threshold source.
func NewDetector(cfg Config, source Source, opts ...Option) Detector {
	if cfg.Quorum < 1 {
		cfg.Quorum = 1
	}
	if cfg.TrendSamples < 2 {
		cfg.TrendSamples = 2
	}
	if cfg.ZScoreMultiplier <= 0 {
		cfg.ZScoreMultiplier = 3
	}

	d := &detectorImpl{
		cfg:    cfg,
		source: source,
		voters: []Voter{
			ThresholdVoter(),
			ZScoreVoter(cfg.ZScoreMultiplier),
			TrendVoter(cfg.TrendSamples, cfg.SlopeBound),
		},
		history: cfg.TrendSamples - 1,
		logger:  zap.NewNop(),
	}
	if cfg.Isolation.Enabled {
		d.voters = append(d.voters, IsolationVoter(cfg.Isolation))
		if cfg.Isolation.History > d.history {
			d.history = cfg.Isolation.History
		}
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Voters returns voter names in evaluation order.
func (d *detectorImpl) Voters() []string {
	names := make([]string, len(d.voters))
	for i, v := range d.voters {
		names[i] = v.Name
	}
	return names
}

// Evaluate runs every voter and applies the quorum rule.
func (d *detectorImpl) Evaluate(sample models.MetricSample) (models.AnomalyFinding, bool) {
	start := time.Now()
	defer func() { metrics.EvaluationDuration.Observe(time.Since(start).Seconds()) }()

	view, ok := d.source.View(sample.Name, d.history)
	if !ok || view.State.SampleCount < d.cfg.MinSamples {
		return models.AnomalyFinding{}, false
	}

	in := Input{Sample: sample, State: view.State, Recent: view.Recent}
	var fired []string
	var confidence float64
	for _, v := range d.voters {
		vote := v.Vote(in)
		if !vote.Fired {
			continue
		}
		fired = append(fired, v.Name)
		confidence += clamp01(vote.Confidence)
		metrics.VoterVotesTotal.WithLabelValues(v.Name).Inc()
	}

	if len(fired) < d.cfg.Quorum {
		return models.AnomalyFinding{}, false
	}

	finding := models.AnomalyFinding{
		MetricName:     sample.Name,
		Value:          sample.Value,
		Threshold:      view.State.CurrentThreshold,
		DeviationScore: confidence / float64(len(fired)),
		DetectorVotes:  fired,
	}
	d.logger.Debug("anomaly detected",
		zap.String("metric", sample.Name),
		zap.Float64("value", sample.Value),
		zap.Strings("votes", fired),
		zap.Float64("deviation_score", finding.DeviationScore),
	)
	return finding, true
}

// ─── Built-in voters ───────────────────────────────────────────────────────

// ThresholdVoter fires when the value strictly exceeds the current threshold.
func ThresholdVoter() Voter {
	return Voter{
		Name: "threshold",
		Vote: func(in Input) Vote {
			cur := in.State.CurrentThreshold
			if !(in.Sample.Value > cur) {
				return Vote{}
			}
			scale := math.Max(math.Abs(cur), 1e-9)
			return Vote{Fired: true, Confidence: 0.5 + (in.Sample.Value-cur)/scale}
		},
	}
}

// ZScoreVoter fires when the value is more than k standard deviations from
// the rolling mean.
func ZScoreVoter(k float64) Voter {
	return Voter{
		Name: "zscore",
		Vote: func(in Input) Vote {
			dev := math.Abs(in.Sample.Value - in.State.RollingMean)
			std := in.State.RollingStdDev
			if !(dev > k*std) {
				return Vote{}
			}
			if std == 0 {
				return Vote{Fired: true, Confidence: 1}
			}
			return Vote{Fired: true, Confidence: (dev / std) / (2 * k)}
		},
	}
}

// TrendVoter fires when the last k values, the sample included, move in one
// direction with a slope magnitude above slopeBound.
func TrendVoter(k int, slopeBound float64) Voter {
	return Voter{
		Name: "trend",
		Vote: func(in Input) Vote {
			need := k - 1
			if len(in.Recent) < need {
				return Vote{}
			}
			values := make([]float64, 0, k)
			values = append(values, in.Recent[len(in.Recent)-need:]...)
			values = append(values, in.Sample.Value)

			if timeseries.Monotonic(values) == 0 {
				return Vote{}
			}
			slope := math.Abs(timeseries.Slope(values))
			if !(slope > slopeBound) {
				return Vote{}
			}
			if slopeBound <= 0 {
				return Vote{Fired: true, Confidence: 1}
			}
			return Vote{Fired: true, Confidence: 0.5 * slope / slopeBound}
		},
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
