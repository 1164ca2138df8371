package metrics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// ProviderUsage aggregates what one provider has served.
type ProviderUsage struct {
	Provider         string  `json:"provider"`
	Requests         int64   `json:"requests"`
	Failures         int64   `json:"failures"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalCost        float64 `json:"total_cost_usd"`
}

// Summary is the fleet-wide view returned by QueryService.Summary.
type Summary struct {
	Providers        []*ProviderUsage `json:"providers"`
	FailoverSwitches int64            `json:"failover_switches"`
	Recoveries       int64            `json:"recoveries"`
	TimedOutUnits    int64            `json:"timed_out_units"`
}

// QueryService reads aggregated metrics from a Prometheus server.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a new metrics query service.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// byLabel runs query and returns the sample values keyed by the given label.
func (q *QueryService) byLabel(ctx context.Context, query, label string) (map[string]float64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return nil, err
	}

	out := make(map[string]float64)
	if vector, ok := result.(model.Vector); ok {
		for _, sample := range vector {
			out[string(sample.Metric[model.LabelName(label)])] = float64(sample.Value)
		}
	}
	return out, nil
}

func (q *QueryService) scalar(ctx context.Context, query string) (float64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, err
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return float64(vector[0].Value), nil
	}
	return 0, nil
}

// ProviderUsage returns per-provider request, token and cost totals, sorted by provider name.
func (q *QueryService) ProviderUsage(ctx context.Context) ([]*ProviderUsage, error) {
	usage := make(map[string]*ProviderUsage)
	get := func(provider string) *ProviderUsage {
		u, ok := usage[provider]
		if !ok {
			u = &ProviderUsage{Provider: provider}
			usage[provider] = u
		}
		return u
	}

	queries := []struct {
		query string
		apply func(u *ProviderUsage, v float64)
	}{
		{`sum by (provider) (worldcore_llm_requests_total)`, func(u *ProviderUsage, v float64) { u.Requests = int64(v) }},
		{`sum by (provider) (worldcore_llm_requests_total{status="error"})`, func(u *ProviderUsage, v float64) { u.Failures = int64(v) }},
		{`sum by (provider) (worldcore_llm_tokens_total{type="prompt"})`, func(u *ProviderUsage, v float64) { u.PromptTokens = int64(v) }},
		{`sum by (provider) (worldcore_llm_tokens_total{type="completion"})`, func(u *ProviderUsage, v float64) { u.CompletionTokens = int64(v) }},
		{`sum by (provider) (worldcore_llm_cost_usd_total)`, func(u *ProviderUsage, v float64) { u.TotalCost = v }},
	}

	for _, qq := range queries {
		values, err := q.byLabel(ctx, qq.query, "provider")
		if err != nil {
			return nil, fmt.Errorf("failed to query %q: %w", qq.query, err)
		}
		for provider, v := range values {
			qq.apply(get(provider), v)
		}
	}

	out := make([]*ProviderUsage, 0, len(usage))
	for _, u := range usage {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}

// Summary returns provider usage plus failover and unit-of-work totals.
func (q *QueryService) Summary(ctx context.Context) (*Summary, error) {
	providers, err := q.ProviderUsage(ctx)
	if err != nil {
		return nil, err
	}
	summary := &Summary{Providers: providers}

	switches, err := q.scalar(ctx, `sum(worldcore_failover_switches_total)`)
	if err != nil {
		return nil, fmt.Errorf("failed to query failover switches: %w", err)
	}
	summary.FailoverSwitches = int64(switches)

	recoveries, err := q.scalar(ctx, `sum(worldcore_failover_recovery_checks_total{result="recovered"})`)
	if err != nil {
		return nil, fmt.Errorf("failed to query recoveries: %w", err)
	}
	summary.Recoveries = int64(recoveries)

	timeouts, err := q.scalar(ctx, `sum(worldcore_workunit_requests_total{status="timeout"})`)
	if err != nil {
		return nil, fmt.Errorf("failed to query unit timeouts: %w", err)
	}
	summary.TimedOutUnits = int64(timeouts)

	return summary, nil
}
