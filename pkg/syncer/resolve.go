package syncer

// resolve applies the configured strategy to every conflict in place.
// High and critical conflicts are routed to manual review when the policy
// forbids auto-resolution; everything else is resolved deterministically.
func resolve(cfg Config, conflicts []Conflict, rtConf, compConf float64) {
	for i := range conflicts {
		c := &conflicts[i]

		strategy := cfg.Strategy
		if (c.Severity == SeverityHigh || c.Severity == SeverityCritical) && !cfg.AutoResolveConflicts {
			strategy = StrategyManualReview
		}
		// A field missing on one side has nothing to blend or rank; the
		// present value wins regardless of the configured strategy.
		if c.Type == ConflictMissingField && strategy != StrategyManualReview {
			resolveMissing(c, compConf)
			continue
		}

		switch strategy {
		case StrategyManualReview:
			c.Strategy = StrategyManualReview
			c.ManualReviewRequired = true
		case StrategyHighestConfidence:
			c.Strategy = StrategyHighestConfidence
			if rtConf > compConf {
				c.ResolvedValue = c.RealTimeValue
				c.ResolutionConfidence = rtConf
			} else {
				c.ResolvedValue = c.ComprehensiveValue
				c.ResolutionConfidence = compConf
			}
			c.Resolved = true
		case StrategyWeightedAverage:
			rn, rok := asNumber(c.RealTimeValue)
			cn, cok := asNumber(c.ComprehensiveValue)
			if rok && cok {
				w := cfg.fieldWeight(c.FieldPath)
				c.Strategy = StrategyWeightedAverage
				c.ResolvedValue = (1-w)*rn + w*cn
				c.ResolutionConfidence = (1-w)*rtConf + w*compConf
				c.Resolved = true
				break
			}
			// Non-numeric: fall back to the comprehensive value.
			resolveComprehensive(c, compConf)
		case StrategyMostRecent, StrategyComprehensiveWins:
			resolveComprehensive(c, compConf)
		default:
			resolveComprehensive(c, compConf)
		}
	}
}

func resolveComprehensive(c *Conflict, compConf float64) {
	c.Strategy = StrategyComprehensiveWins
	c.ResolvedValue = c.ComprehensiveValue
	c.ResolutionConfidence = compConf
	c.Resolved = true
}

func resolveMissing(c *Conflict, compConf float64) {
	c.Strategy = StrategyComprehensiveWins
	if c.ComprehensiveValue != nil {
		c.ResolvedValue = c.ComprehensiveValue
		c.ResolutionConfidence = compConf
	} else {
		c.ResolvedValue = c.RealTimeValue
		c.ResolutionConfidence = DefaultRealTimeConfidence
	}
	c.Resolved = true
}
