package syncer

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/guido-cesarano/dualpipe/pkg/logger"
)

// Synchronizer reconciles pipeline outputs under per-data-type policies.
// It holds no mutable state, so one instance serves all workers without
// locking.
type Synchronizer struct {
	configs map[string]Config
	log     zerolog.Logger
}

// New creates a Synchronizer. Data types absent from configs fall back to
// DefaultConfig.
func New(configs map[string]Config) *Synchronizer {
	if configs == nil {
		configs = DefaultConfigs()
	}
	return &Synchronizer{
		configs: configs,
		log:     logger.With("syncer"),
	}
}

// ConfigFor resolves the policy for a data type.
func (s *Synchronizer) ConfigFor(dataType string) Config {
	if cfg, ok := s.configs[dataType]; ok {
		return cfg
	}
	return DefaultConfig()
}

// Synchronize diffs the two lane payloads, resolves conflicts and merges
// them into one result. It is deterministic for identical inputs and never
// panics: malformed input yields a failed Result with the error recorded in
// its metadata, and a run exceeding the policy's MaxSyncTime yields a
// timeout Result.
func (s *Synchronizer) Synchronize(realTime, comprehensive map[string]interface{}, dataType, syncID string) *Result {
	start := time.Now()
	if syncID == "" {
		syncID = uuid.New().String()
	}
	cfg := s.ConfigFor(dataType)

	if cfg.MaxSyncTime <= 0 {
		return s.run(cfg, realTime, comprehensive, dataType, syncID, start)
	}

	ch := make(chan *Result, 1)
	go func() {
		ch <- s.run(cfg, realTime, comprehensive, dataType, syncID, start)
	}()
	select {
	case res := <-ch:
		return res
	case <-time.After(cfg.MaxSyncTime):
		s.log.Warn().Str("sync_id", syncID).Dur("max_sync_time", cfg.MaxSyncTime).Msg("Synchronization timed out")
		return timeoutResult(syncID, start, cfg.MaxSyncTime)
	}
}

func (s *Synchronizer) run(cfg Config, realTime, comprehensive map[string]interface{}, dataType, syncID string, start time.Time) (res *Result) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("sync_id", syncID).Interface("panic", r).Msg("Synchronization panicked")
			res = failedResult(syncID, start, fmt.Sprintf("synchronization panicked: %v", r))
		}
	}()

	if realTime == nil || comprehensive == nil {
		return failedResult(syncID, start, "missing pipeline payload")
	}

	rtConf := laneConfidence(realTime, DefaultRealTimeConfidence)
	compConf := laneConfidence(comprehensive, DefaultComprehensiveConfidence)

	conflicts := diff(cfg, realTime, comprehensive)
	resolve(cfg, conflicts, rtConf, compConf)

	autoResolved, manual := 0, 0
	for i := range conflicts {
		if conflicts[i].Resolved {
			autoResolved++
		}
		if conflicts[i].ManualReviewRequired {
			manual++
		}
	}
	unresolved := len(conflicts) - autoResolved

	merged := merge(comprehensive, conflicts)
	merged["sync_metadata"] = map[string]interface{}{
		"strategy":               string(cfg.Strategy),
		"auto_resolved":          autoResolved,
		"manual_review_required": manual,
		"merged_at":              time.Now().UTC().Format(time.RFC3339),
	}

	res = &Result{
		SyncID:              syncID,
		Status:              SyncSynchronized,
		MergedResult:        merged,
		Conflicts:           conflicts,
		ConsistencyScore:    consistencyScore(cfg, conflicts, realTime, comprehensive),
		SyncConfidence:      syncConfidence(rtConf, compConf, autoResolved, unresolved),
		ProcessingTime:      time.Since(start),
		RealTimeWeight:      RealTimeBlendWeight,
		ComprehensiveWeight: ComprehensiveBlendWeight,
		Metadata: map[string]interface{}{
			"data_type":                dataType,
			"real_time_confidence":     rtConf,
			"comprehensive_confidence": compConf,
			"conflict_count":           len(conflicts),
		},
		CreatedAt: time.Now(),
	}
	if unresolved > 0 {
		res.Status = SyncConflictDetected
	}
	if res.SyncConfidence < cfg.ConfidenceThreshold {
		res.Metadata["below_confidence_threshold"] = true
	}

	s.log.Debug().
		Str("sync_id", syncID).
		Str("data_type", dataType).
		Int("conflicts", len(conflicts)).
		Int("unresolved", unresolved).
		Float64("consistency", res.ConsistencyScore).
		Msg("Synchronization finished")
	return res
}

func timeoutResult(syncID string, start time.Time, limit time.Duration) *Result {
	return &Result{
		SyncID:              syncID,
		Status:              SyncTimeout,
		ProcessingTime:      time.Since(start),
		RealTimeWeight:      RealTimeBlendWeight,
		ComprehensiveWeight: ComprehensiveBlendWeight,
		Metadata:            map[string]interface{}{"error": fmt.Sprintf("synchronization exceeded %s", limit)},
		CreatedAt:           time.Now(),
	}
}

func failedResult(syncID string, start time.Time, msg string) *Result {
	return &Result{
		SyncID:              syncID,
		Status:              SyncFailed,
		ProcessingTime:      time.Since(start),
		RealTimeWeight:      RealTimeBlendWeight,
		ComprehensiveWeight: ComprehensiveBlendWeight,
		Metadata:            map[string]interface{}{"error": msg},
		CreatedAt:           time.Now(),
	}
}

// laneConfidence prefers the payload's own confidence field over the fixed
// lane constant.
func laneConfidence(payload map[string]interface{}, fallback float64) float64 {
	if c, ok := asNumber(payload["confidence"]); ok && c >= 0 && c <= 1 {
		return c
	}
	return fallback
}

// merge deep-copies the comprehensive payload (the structural base) and
// overlays every resolved conflict value at its field path. Fields present
// in the comprehensive payload are never dropped.
func merge(comprehensive map[string]interface{}, conflicts []Conflict) map[string]interface{} {
	out := deepCopy(comprehensive)
	for i := range conflicts {
		c := &conflicts[i]
		if !c.Resolved || c.ResolvedValue == nil {
			continue
		}
		setPath(out, c.FieldPath, c.ResolvedValue)
	}
	return out
}

func deepCopy(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case map[string]interface{}:
			out[k] = deepCopy(t)
		case []interface{}:
			cp := make([]interface{}, len(t))
			for i, el := range t {
				if em, ok := el.(map[string]interface{}); ok {
					cp[i] = deepCopy(em)
				} else {
					cp[i] = el
				}
			}
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}

func setPath(m map[string]interface{}, path string, v interface{}) {
	parts := strings.Split(path, ".")
	cur := m
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = v
}

// consistencyScore is 1 minus the severity-weighted conflict penalty over
// the union leaf-field count, clamped to [0,1]. No conflicts yields 1.
func consistencyScore(cfg Config, conflicts []Conflict, rt, comp map[string]interface{}) float64 {
	if len(conflicts) == 0 {
		return 1.0
	}
	total := countLeafFields(cfg, "", rt, comp)
	if total == 0 {
		return 1.0
	}
	penalty := 0.0
	for i := range conflicts {
		penalty += conflicts[i].Severity.weight()
	}
	return clamp01(1.0 - penalty/float64(total))
}

// syncConfidence starts from the blended lane confidence and decreases
// monotonically as unresolved conflicts accumulate; auto-resolved conflicts
// cost a smaller penalty.
func syncConfidence(rtConf, compConf float64, autoResolved, unresolved int) float64 {
	base := RealTimeBlendWeight*rtConf + ComprehensiveBlendWeight*compConf
	return clamp01(base - 0.15*float64(unresolved) - 0.02*float64(autoResolved))
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
