package service

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"payment-orchestrator/config"
	"payment-orchestrator/internal/core/domain"
	"payment-orchestrator/internal/core/ports"
	"payment-orchestrator/pkg/apperror"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// latencyCeilingMs and costCeiling normalize raw metrics into [0, 1] for
// the weighted score.
const (
	latencyCeilingMs = 5000.0
	costCeiling      = 1.0
)

// Rule is a compiled routing rule: when Matches holds over the context, the
// target gateway is selected if it is registered and admits traffic.
type Rule struct {
	Name     string
	Priority int
	Gateway  domain.GatewayType
	Matches  func(rc ports.RoutingContext) bool
}

// WeightedRouter implements ports.Router: declarative rules first, then a
// weighted score over success rate, latency, and cost. Selection is
// deterministic for identical rules, metrics, and context; ties go to the
// earliest-registered gateway.
type WeightedRouter struct {
	metrics   ports.MetricsCollector
	available func(domain.GatewayType) bool
	log       zerolog.Logger

	rulesOnly     bool
	successWeight float64
	latencyWeight float64
	costWeight    float64
	costs         map[domain.GatewayType]float64

	mu         sync.RWMutex
	rules      []Rule
	registered []domain.GatewayType // insertion order
}

// NewWeightedRouter builds the router from configuration. available reports
// whether a gateway's circuit currently admits traffic.
func NewWeightedRouter(cfg config.RoutingConfig, metrics ports.MetricsCollector, available func(domain.GatewayType) bool, log zerolog.Logger) (*WeightedRouter, error) {
	switch cfg.Strategy {
	case "", "weighted", "rules_only":
	default:
		return nil, fmt.Errorf("unknown routing strategy %q", cfg.Strategy)
	}
	r := &WeightedRouter{
		metrics:       metrics,
		available:     available,
		log:           log,
		rulesOnly:     cfg.Strategy == "rules_only",
		successWeight: cfg.SuccessWeight,
		latencyWeight: cfg.LatencyWeight,
		costWeight:    cfg.CostWeight,
		costs:         make(map[domain.GatewayType]float64, len(cfg.GatewayCosts)),
	}
	for gw, cost := range cfg.GatewayCosts {
		r.costs[domain.GatewayType(gw)] = cost
	}
	for _, rc := range cfg.Rules {
		rule, err := compileRule(rc)
		if err != nil {
			return nil, fmt.Errorf("routing rule %q: %w", rc.Name, err)
		}
		r.rules = append(r.rules, rule)
	}
	sort.SliceStable(r.rules, func(i, j int) bool { return r.rules[i].Priority > r.rules[j].Priority })
	return r, nil
}

// RegisterGateway appends a gateway to the selection pool. Registration
// order is the tiebreak for equal scores and the fallback order.
func (r *WeightedRouter) RegisterGateway(gateway domain.GatewayType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, g := range r.registered {
		if g == gateway {
			return
		}
	}
	r.registered = append(r.registered, gateway)
}

// AddRule installs a compiled rule at runtime, keeping priority order.
func (r *WeightedRouter) AddRule(rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule)
	sort.SliceStable(r.rules, func(i, j int) bool { return r.rules[i].Priority > r.rules[j].Priority })
}

// SelectGateway picks the gateway for a routing context.
func (r *WeightedRouter) SelectGateway(_ context.Context, rc ports.RoutingContext) (ports.RoutingDecision, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.registered) == 0 {
		return ports.RoutingDecision{}, apperror.ErrNoGatewayAvailable()
	}

	// Rules first, in descending priority. A rule may only send traffic to
	// a gateway that is actually registered; a stale rule target falls
	// through to the next rule or the scored selection.
	for _, rule := range r.rules {
		if rule.Matches(rc) && r.isRegistered(rule.Gateway) && r.available(rule.Gateway) {
			return ports.RoutingDecision{
				Gateway: rule.Gateway,
				Rule:    rule.Name,
				Reason:  fmt.Sprintf("rule %q matched", rule.Name),
			}, nil
		}
	}

	// Weighted score over available gateways; first registered wins ties.
	// Under the rules_only strategy there is no scored selection: a context
	// no rule claims goes straight to the fallback.
	if !r.rulesOnly {
		var (
			best      domain.GatewayType
			bestScore = -1.0
			found     bool
		)
		for _, gw := range r.registered {
			if !r.available(gw) {
				continue
			}
			score := r.score(gw)
			if score > bestScore {
				best = gw
				bestScore = score
				found = true
			}
		}
		if found {
			return ports.RoutingDecision{
				Gateway: best,
				Reason:  fmt.Sprintf("weighted score %.4f", bestScore),
			}, nil
		}
	}

	// Safety fallback: everything is open, hand back the first registered
	// gateway and let the breaker reject if it is still unhealthy.
	fallback := r.registered[0]
	r.log.Warn().
		Str("gateway", string(fallback)).
		Msg("no gateway available, using fallback")
	return ports.RoutingDecision{
		Gateway:  fallback,
		Reason:   "fallback: no gateway available",
		Fallback: true,
	}, nil
}

// isRegistered reports membership in the selection pool. Callers hold r.mu.
func (r *WeightedRouter) isRegistered(gateway domain.GatewayType) bool {
	for _, g := range r.registered {
		if g == gateway {
			return true
		}
	}
	return false
}

func (r *WeightedRouter) score(gateway domain.GatewayType) float64 {
	snap := r.metrics.Snapshot(gateway)

	latencyScore := 1 - float64(snap.AvgLatency.Milliseconds())/latencyCeilingMs
	if latencyScore < 0 {
		latencyScore = 0
	}

	cost := snap.AvgCost
	if cost == 0 {
		cost = r.costs[gateway]
	}
	costScore := 1 - cost/costCeiling
	if costScore < 0 {
		costScore = 0
	}

	return r.successWeight*snap.SuccessRate + r.latencyWeight*latencyScore + r.costWeight*costScore
}

// compileRule turns a declarative config rule into a predicate. Supported
// fields: amount, currency, method, country, merchant. Supported ops:
// eq, gt, gte, lt, lte, in.
func compileRule(rc config.RoutingRule) (Rule, error) {
	if rc.Gateway == "" {
		return Rule{}, fmt.Errorf("missing gateway")
	}

	var matches func(ports.RoutingContext) bool
	switch rc.Field {
	case "amount":
		cmp, err := amountPredicate(rc.Op, rc.Value)
		if err != nil {
			return Rule{}, err
		}
		matches = cmp
	case "currency":
		matches, _ = stringPredicate(rc, func(rc ports.RoutingContext) string { return string(rc.Currency) })
	case "method":
		matches, _ = stringPredicate(rc, func(rc ports.RoutingContext) string { return string(rc.Method) })
	case "country":
		matches, _ = stringPredicate(rc, func(rc ports.RoutingContext) string { return rc.Country })
	case "merchant":
		matches, _ = stringPredicate(rc, func(rc ports.RoutingContext) string { return rc.MerchantID })
	default:
		return Rule{}, fmt.Errorf("unknown field %q", rc.Field)
	}
	if matches == nil {
		return Rule{}, fmt.Errorf("unsupported op %q for field %q", rc.Op, rc.Field)
	}

	return Rule{
		Name:     rc.Name,
		Priority: rc.Priority,
		Gateway:  domain.GatewayType(rc.Gateway),
		Matches:  matches,
	}, nil
}

func amountPredicate(op, value string) (func(ports.RoutingContext) bool, error) {
	threshold, err := decimal.NewFromString(value)
	if err != nil {
		return nil, fmt.Errorf("amount threshold %q: %w", value, err)
	}
	switch op {
	case "eq":
		return func(rc ports.RoutingContext) bool { return rc.Amount.Equal(threshold) }, nil
	case "gt":
		return func(rc ports.RoutingContext) bool { return rc.Amount.GreaterThan(threshold) }, nil
	case "gte":
		return func(rc ports.RoutingContext) bool { return rc.Amount.GreaterThanOrEqual(threshold) }, nil
	case "lt":
		return func(rc ports.RoutingContext) bool { return rc.Amount.LessThan(threshold) }, nil
	case "lte":
		return func(rc ports.RoutingContext) bool { return rc.Amount.LessThanOrEqual(threshold) }, nil
	default:
		return nil, fmt.Errorf("unsupported amount op %q", op)
	}
}

func stringPredicate(rc config.RoutingRule, extract func(ports.RoutingContext) string) (func(ports.RoutingContext) bool, error) {
	switch rc.Op {
	case "eq":
		want := rc.Value
		return func(c ports.RoutingContext) bool { return extract(c) == want }, nil
	case "in":
		set := make(map[string]bool, len(rc.Values))
		for _, v := range rc.Values {
			set[v] = true
		}
		return func(c ports.RoutingContext) bool { return set[extract(c)] }, nil
	default:
		return nil, nil
	}
}
