// Package router decides what happens to a document after a low- or
// high-confidence extraction step: accept the output, escalate to a paid
// cloud service, or flag it for a human.
package router

import (
	"log/slog"
	"math"
	"sort"

	"github.com/intakehub/docpipe/constants"
	"github.com/intakehub/docpipe/internal/common"
)

// Action is the router's verdict for one step outcome.
type Action string

const (
	Accept   Action = "accept"
	Escalate Action = "escalate"
	Flag     Action = "flag"
)

// Policy holds the thresholds and the tier-to-action mapping.
type Policy struct {
	// Threshold is compared against the aggregate confidence.
	Threshold float64
	// Percentile in (0,1] selects the evaluated aggregate; 0 means the minimum.
	Percentile float64
	// CloudTiers are the value tiers worth a paid cloud call. Below-threshold
	// documents in any other tier are flagged straight to a human.
	CloudTiers map[constants.ValueTier]bool
}

// PolicyFromConfig builds a Policy from the loaded configuration.
func PolicyFromConfig(cfg common.RouterConfig) Policy {
	tiers := make(map[constants.ValueTier]bool, len(cfg.CloudTiers))
	for _, t := range cfg.CloudTiers {
		tiers[constants.ValueTier(t)] = true
	}
	return Policy{
		Threshold:  cfg.Threshold,
		Percentile: cfg.Percentile,
		CloudTiers: tiers,
	}
}

// FieldPolicyFromConfig builds the policy used after field extraction; only
// the threshold differs from the OCR policy.
func FieldPolicyFromConfig(cfg common.RouterConfig) Policy {
	p := PolicyFromConfig(cfg)
	p.Threshold = cfg.FieldThreshold
	return p
}

// Decision carries the verdict plus the inputs that produced it, for the
// audit trail.
type Decision struct {
	Action     Action
	Aggregate  float64
	Threshold  float64
	Tier       constants.ValueTier
	Escalated  bool
	ItemCount  int
	BelowCount int
}

type Router struct {
	Policy Policy
	Logger *slog.Logger
}

func New(policy Policy, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{Policy: policy, Logger: logger}
}

// Decide evaluates a step's per-item confidences. An empty sequence always
// flags: no evidence is never silent acceptance. A document that already
// burned its cloud escalation and is still below threshold goes to a human.
func (r *Router) Decide(confidences []float64, tier constants.ValueTier, escalated bool) Decision {
	d := Decision{
		Threshold: r.Policy.Threshold,
		Tier:      tier,
		Escalated: escalated,
		ItemCount: len(confidences),
	}
	if len(confidences) == 0 {
		d.Action = Flag
		r.log(d)
		return d
	}

	d.Aggregate = aggregate(confidences, r.Policy.Percentile)
	for _, c := range confidences {
		if c < r.Policy.Threshold {
			d.BelowCount++
		}
	}

	switch {
	case d.Aggregate >= r.Policy.Threshold:
		d.Action = Accept
	case !escalated && r.Policy.CloudTiers[tier]:
		d.Action = Escalate
	default:
		d.Action = Flag
	}
	r.log(d)
	return d
}

func (r *Router) log(d Decision) {
	r.Logger.Info("router.decide",
		"action", string(d.Action),
		"aggregate", d.Aggregate,
		"threshold", d.Threshold,
		"tier", string(d.Tier),
		"escalated", d.Escalated,
		"items", d.ItemCount)
}

// aggregate returns the minimum when pct is 0, otherwise the pct-th
// percentile (nearest-rank) of the sorted confidences.
func aggregate(confidences []float64, pct float64) float64 {
	sorted := make([]float64, len(confidences))
	copy(sorted, confidences)
	sort.Float64s(sorted)
	if pct <= 0 {
		return sorted[0]
	}
	if pct > 1 {
		pct = 1
	}
	rank := int(math.Ceil(pct*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	return sorted[rank]
}

// BelowThresholdPages returns the distinct pages whose items fell below the
// policy threshold, so cloud escalation can be scoped to just those pages.
func (r *Router) BelowThresholdPages(confidences []float64, itemPages []int) []int {
	seen := map[int]bool{}
	var pages []int
	for i, c := range confidences {
		if c >= r.Policy.Threshold || i >= len(itemPages) {
			continue
		}
		if p := itemPages[i]; !seen[p] {
			seen[p] = true
			pages = append(pages, p)
		}
	}
	sort.Ints(pages)
	return pages
}
