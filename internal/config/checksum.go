package config

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"sort"
)

type checksumPayload struct {
	Mode          PolicyMode       `json:"mode"`
	MaxCandidates int              `json:"max_candidates"`
	ChangeBudget  int              `json:"change_budget"`
	EvictAfter    int              `json:"evict_after"`
	Thresholds    Thresholds       `json:"thresholds"`
	Hysteresis    HysteresisConfig `json:"hysteresis"`
	Scoring       ScoringWeights   `json:"scoring"`
	RuleWeight    float64          `json:"rule_weight"`
	MLWeight      float64          `json:"ml_weight"`
	Confidence    float64          `json:"confidence"`
	LayerOrder    []string         `json:"layer_order"`
	BuildTags     []string         `json:"build_tags"`
}

// Checksum returns a short, stable identifier of the decision-relevant part
// of cfg. Two configs with the same checksum produce the same decisions for
// the same telemetry. It is the first 6 hex characters of an MD5 over a
// canonical JSON encoding.
func Checksum(cfg *Config) (string, error) {
	if cfg == nil {
		return "", nil
	}
	tags := append([]string(nil), cfg.Rules.BuildTags...)
	sort.Strings(tags)
	order := make([]string, 0, len(cfg.Rules.Order()))
	for _, l := range cfg.Rules.Order() {
		order = append(order, string(l))
	}

	payload := checksumPayload{
		Mode:          cfg.Governor.PolicyMode,
		MaxCandidates: cfg.Governor.MaxCandidates,
		ChangeBudget:  cfg.Governor.ChangeBudget(),
		EvictAfter:    cfg.Governor.EvictAfterIterations,
		Thresholds:    cfg.Thresholds,
		Hysteresis:    cfg.Hysteresis,
		Scoring:       cfg.Scoring,
		RuleWeight:    cfg.Hybrid.RuleWeight,
		MLWeight:      cfg.Hybrid.MLWeight,
		Confidence:    cfg.Hybrid.ConfidenceThreshold,
		LayerOrder:    order,
		BuildTags:     tags,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	sum := md5.Sum(b)
	hexStr := hex.EncodeToString(sum[:])
	if len(hexStr) > 6 {
		hexStr = hexStr[:6]
	}
	return hexStr, nil
}
