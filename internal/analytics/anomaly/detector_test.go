package anomaly

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newsdigest/watchtower/internal/analytics/threshold"
	"github.com/newsdigest/watchtower/internal/models"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func defaultDetectorConfig() Config {
	return Config{
		Quorum:           2,
		MinSamples:       4,
		ZScoreMultiplier: 3,
		TrendSamples:     5,
		SlopeBound:       5,
	}
}

func newThresholds() threshold.Manager {
	return threshold.NewManager(threshold.Config{
		DefaultBase:    80,
		DefaultMin:     0,
		DefaultMax:     100,
		WindowSize:     60,
		TrendSamples:   10,
		AdaptiveFactor: 1,
		StdMultiplier:  2,
	})
}

type staticSource struct {
	view threshold.View
}

func (s staticSource) View(string, int) (threshold.View, bool) {
	return s.view, true
}

func TestCPUSpikeScenario(t *testing.T) {
	thresholds := newThresholds()
	det := NewDetector(defaultDetectorConfig(), thresholds)

	values := []float64{70, 71, 70, 72, 95, 96, 97}
	firstAt := -1
	var first models.AnomalyFinding
	for i, v := range values {
		s := models.MetricSample{Name: "cpu_percent", Value: v, Timestamp: t0.Add(time.Duration(i) * time.Second)}
		if f, ok := det.Evaluate(s); ok && firstAt < 0 {
			firstAt = i
			first = f
		}
		_, ok := thresholds.RecordSample(s)
		require.True(t, ok)
	}

	require.Equal(t, 4, firstAt, "first finding must be at the sample 95")
	assert.Equal(t, "cpu_percent", first.MetricName)
	assert.Equal(t, 95.0, first.Value)
	assert.InDelta(t, 82.158, first.Threshold, 1e-3)
	assert.Equal(t, []string{"threshold", "zscore"}, first.DetectorVotes)
	assert.Greater(t, first.DeviationScore, 0.5)
	assert.LessOrEqual(t, first.DeviationScore, 1.0)
}

func TestInsufficientHistory(t *testing.T) {
	thresholds := newThresholds()
	det := NewDetector(defaultDetectorConfig(), thresholds)

	_, ok := det.Evaluate(models.MetricSample{Name: "unseen", Value: 1e6})
	assert.False(t, ok)

	for i := 0; i < 3; i++ {
		thresholds.Record("mem_percent", 50)
	}
	_, ok = det.Evaluate(models.MetricSample{Name: "mem_percent", Value: 1e6})
	assert.False(t, ok, "three samples are below min_samples")

	thresholds.Record("mem_percent", 50)
	_, ok = det.Evaluate(models.MetricSample{Name: "mem_percent", Value: 99})
	assert.True(t, ok)
}

func TestThresholdVoterStrictInequality(t *testing.T) {
	v := ThresholdVoter()

	vote := v.Vote(Input{
		Sample: models.MetricSample{Value: 80},
		State:  models.ThresholdState{CurrentThreshold: 80},
	})
	assert.False(t, vote.Fired)

	vote = v.Vote(Input{
		Sample: models.MetricSample{Value: 80.0001},
		State:  models.ThresholdState{CurrentThreshold: 80},
	})
	assert.True(t, vote.Fired)
}

func TestEqualToThresholdDoesNotCountTowardQuorum(t *testing.T) {
	src := staticSource{view: threshold.View{State: models.ThresholdState{
		CurrentThreshold: 80,
		RollingMean:      50,
		RollingStdDev:    1,
		SampleCount:      10,
	}}}
	det := NewDetector(defaultDetectorConfig(), src)

	// zscore fires, threshold does not: one vote is below quorum
	_, ok := det.Evaluate(models.MetricSample{Name: "cpu", Value: 80})
	assert.False(t, ok)

	f, ok := det.Evaluate(models.MetricSample{Name: "cpu", Value: 81})
	require.True(t, ok)
	assert.Equal(t, []string{"threshold", "zscore"}, f.DetectorVotes)
}

func TestZScoreVoter(t *testing.T) {
	v := ZScoreVoter(3)

	assert.False(t, v.Vote(Input{
		Sample: models.MetricSample{Value: 53},
		State:  models.ThresholdState{RollingMean: 50, RollingStdDev: 1},
	}).Fired, "exactly 3 sigma does not fire")

	vote := v.Vote(Input{
		Sample: models.MetricSample{Value: 44},
		State:  models.ThresholdState{RollingMean: 50, RollingStdDev: 1},
	})
	assert.True(t, vote.Fired)
	assert.InDelta(t, 1.0, vote.Confidence, 1e-9)

	vote = v.Vote(Input{
		Sample: models.MetricSample{Value: 5.0001},
		State:  models.ThresholdState{RollingMean: 5, RollingStdDev: 0},
	})
	assert.True(t, vote.Fired, "zero stddev fires on any deviation")
}

func TestTrendVoter(t *testing.T) {
	v := TrendVoter(5, 5)

	vote := v.Vote(Input{Sample: models.MetricSample{Value: 50}, Recent: []float64{1, 10, 20, 30, 40}})
	assert.True(t, vote.Fired)
	assert.InDelta(t, 1.0, vote.Confidence, 1e-9)

	vote = v.Vote(Input{Sample: models.MetricSample{Value: 50}, Recent: []float64{10, 30, 20, 40}})
	assert.False(t, vote.Fired, "not monotonic")

	vote = v.Vote(Input{Sample: models.MetricSample{Value: 5}, Recent: []float64{1, 2, 3, 4}})
	assert.False(t, vote.Fired, "slope below bound")

	vote = v.Vote(Input{Sample: models.MetricSample{Value: 0}, Recent: []float64{40, 30}})
	assert.False(t, vote.Fired, "not enough values")

	vote = v.Vote(Input{Sample: models.MetricSample{Value: 0}, Recent: []float64{80, 60, 40, 20}})
	assert.True(t, vote.Fired, "falling trends count too")
}

func TestTrendAndThresholdQuorum(t *testing.T) {
	thresholds := newThresholds()
	cfg := defaultDetectorConfig()
	cfg.ZScoreMultiplier = 100
	det := NewDetector(cfg, thresholds)

	for i, v := range []float64{10, 20, 30, 40} {
		thresholds.RecordSample(models.MetricSample{Name: "queue_depth", Value: v, Timestamp: t0.Add(time.Duration(i) * time.Second)})
	}
	// threshold = clamp(80 + 10 + 2*11.18) = 100
	_, ok := det.Evaluate(models.MetricSample{Name: "queue_depth", Value: 50})
	assert.False(t, ok, "trend alone is below quorum")

	f, ok := det.Evaluate(models.MetricSample{Name: "queue_depth", Value: 150})
	require.True(t, ok)
	assert.Equal(t, []string{"threshold", "trend"}, f.DetectorVotes)
}

func TestCustomVoter(t *testing.T) {
	always := Voter{Name: "always", Vote: func(Input) Vote { return Vote{Fired: true, Confidence: 2} }}
	src := staticSource{view: threshold.View{State: models.ThresholdState{
		CurrentThreshold: 80,
		RollingMean:      50,
		RollingStdDev:    20,
		SampleCount:      10,
	}}}
	det := NewDetector(defaultDetectorConfig(), src, WithVoters(always))

	assert.Equal(t, []string{"threshold", "zscore", "trend", "always"}, det.Voters())

	f, ok := det.Evaluate(models.MetricSample{Name: "cpu", Value: 81})
	require.True(t, ok)
	assert.Equal(t, []string{"threshold", "always"}, f.DetectorVotes)
	assert.LessOrEqual(t, f.DeviationScore, 1.0)
}

func TestIsolationVoter(t *testing.T) {
	var recent []float64
	for i := 0; i < 50; i++ {
		recent = append(recent, 10+float64(i%5)*0.1)
	}
	v := IsolationVoter(IsolationConfig{Enabled: true, Trees: 100, SubSample: 64, ScoreThreshold: 0.7, Seed: 7})

	outlier := v.Vote(Input{Sample: models.MetricSample{Value: 1000}, Recent: recent})
	assert.True(t, outlier.Fired)
	assert.Greater(t, outlier.Confidence, 0.7)

	assert.False(t, v.Vote(Input{Sample: models.MetricSample{Value: 10}, Recent: recent[:1]}).Fired)
}

func TestIsolationVoterRegistered(t *testing.T) {
	cfg := defaultDetectorConfig()
	cfg.Isolation = IsolationConfig{Enabled: true, History: 30}
	det := NewDetector(cfg, newThresholds())
	assert.Equal(t, []string{"threshold", "zscore", "trend", "isolation"}, det.Voters())
}
