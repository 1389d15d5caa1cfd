package syncer

import "time"

// Lane confidence constants used when a result payload carries no numeric
// "confidence" key. The comprehensive lane is the more trustworthy one.
const (
	DefaultRealTimeConfidence      = 0.75
	DefaultComprehensiveConfidence = 0.92
)

// Blend weights reported on every Result. They always sum to 1.
const (
	RealTimeBlendWeight      = 0.3
	ComprehensiveBlendWeight = 0.7
)

// Config is the static per-data-type synchronization policy.
type Config struct {
	// Strategy resolves conflicts that are eligible for auto-resolution.
	Strategy Strategy `yaml:"strategy"`
	// ConfidenceThreshold is the minimum sync confidence below which the
	// result is annotated for review.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	// MaxSyncTime bounds one synchronization run.
	MaxSyncTime time.Duration `yaml:"max_sync_time"`
	// FieldWeights overrides the comprehensive blend weight for specific
	// fields under weighted_average.
	FieldWeights map[string]float64 `yaml:"field_weights"`
	// CriticalFields escalate conflict severity.
	CriticalFields []string `yaml:"critical_fields"`
	// IgnoreFields are excluded from the structural diff.
	IgnoreFields []string `yaml:"ignore_fields"`
	// AutoResolveConflicts permits auto-resolution of high and critical
	// severity conflicts. When false those are routed to manual review.
	AutoResolveConflicts bool `yaml:"auto_resolve_conflicts"`
}

func (c Config) critical(field string) bool {
	for _, f := range c.CriticalFields {
		if f == field {
			return true
		}
	}
	return false
}

func (c Config) ignored(path, field string) bool {
	for _, f := range c.IgnoreFields {
		if f == field || f == path {
			return true
		}
	}
	return false
}

func (c Config) fieldWeight(path string) float64 {
	if w, ok := c.FieldWeights[path]; ok {
		return w
	}
	return ComprehensiveBlendWeight
}

// DefaultConfig is the fallback policy for unknown data types.
func DefaultConfig() Config {
	return Config{
		Strategy:             StrategyComprehensiveWins,
		ConfidenceThreshold:  0.7,
		MaxSyncTime:          30 * time.Second,
		IgnoreFields:         []string{"timestamp", "processing_time"},
		AutoResolveConflicts: true,
	}
}

// DefaultConfigs returns the built-in per-data-type policies.
func DefaultConfigs() map[string]Config {
	transcript := DefaultConfig()
	transcript.Strategy = StrategyHighestConfidence
	transcript.CriticalFields = []string{"confidence", "summary"}

	patterns := DefaultConfig()
	patterns.Strategy = StrategyWeightedAverage
	patterns.CriticalFields = []string{"patterns"}

	return map[string]Config{
		"transcript_analysis": transcript,
		"pattern_detection":   patterns,
	}
}
