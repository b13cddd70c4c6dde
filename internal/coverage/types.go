package coverage

// #region config

// Config holds the monitor's calibration targets and scan windows.
type Config struct {
	Target        float64 // expected conformal coverage (0.90)
	DailySlack    float64 // a day counts as violating below Target-DailySlack
	RecentWindow  int     // rows scanned for current coverage
	HistoryWindow int     // rows scanned for the daily violation count
	MinSamples    int     // below this, recommend collecting data first
	ViolationDays int     // violating days before recalibration is urged
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		Target:        0.90,
		DailySlack:    0.05,
		RecentWindow:  10000,
		HistoryWindow: 50000,
		MinSamples:    100,
		ViolationDays: 3,
	}
}

// #endregion config

// #region metrics

// StratumMetrics is the on-demand coverage summary for one stratum.
type StratumMetrics struct {
	Stratum            string
	Coverage           float64
	ExpectedCoverage   float64
	Violation          float64
	SampleSize         int
	ViolationCount     int
	NeedsRecalibration bool
}

// DailyCoverage is one day's coverage for a stratum trend.
type DailyCoverage struct {
	Date       string // YYYY-MM-DD
	Coverage   float64
	SampleSize int
}

// Violation flags a stratum currently below target.
type Violation struct {
	Stratum    string
	Observed   float64
	Target     float64
	Gap        float64
	SampleSize int
}

// SuggestionAction is what the operator should do about a stratum.
type SuggestionAction string

const (
	// ActRecalibrate: persistent violation with enough evidence, act now.
	ActRecalibrate SuggestionAction = "recalibrate_now"
	// ActCollectData: violation observed but the sample is too small to
	// trust; gather more validated outcomes first.
	ActCollectData SuggestionAction = "collect_more_data"
)

// Suggestion is a recalibration recommendation for one stratum.
type Suggestion struct {
	Stratum string
	Action  SuggestionAction
	Reason  string
	Metrics StratumMetrics
}

// #endregion metrics
