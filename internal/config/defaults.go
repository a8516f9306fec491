package config

import "time"

// DefaultConfig returns the default configuration with the built-in credit
// analysis workflow backed by static kinds.
func DefaultConfig() *PipelineConfig {
	return &PipelineConfig{
		MaxParallel: 0,
		Archive:     ".pipeline/runs.db",
		Defaults: DefaultsConfig{
			Timeout: Duration(30 * time.Second),
			Retry: RetryConfig{
				MaxRetries: 3,
				BaseDelay:  Duration(time.Second),
				Multiplier: 2.0,
			},
		},
		Breaker: BreakerConfig{
			MaxRequests:         3,
			Timeout:             Duration(30 * time.Second),
			ConsecutiveFailures: 5,
		},
		Kinds: map[string]KindConfig{
			"data_collection": {
				Type: "static",
				Data: map[string]any{
					"data_sources":       []any{"credit_bureau", "bank_statements", "financial_statements"},
					"data_sources_count": 3,
					"collection_quality": 0.9,
				},
			},
			"risk_analysis": {
				Type: "static",
				Data: map[string]any{
					"risk_level":       "Medium",
					"risk_score":       0.42,
					"confidence_level": 0.82,
				},
			},
			"documentation": {
				Type: "static",
				Data: map[string]any{
					"compliance_status": "Compliant",
					"sections_count":    4,
				},
			},
			"reporting": {
				Type: "static",
				Data: map[string]any{
					"executive_summary":     "complete",
					"recommendations":       []any{"approve with standard covenants"},
					"recommendations_count": 1,
				},
			},
		},
		Workflows: map[string]WorkflowConfig{
			"credit_analysis": {
				Description: "Collect customer data, assess risk, document and report",
				Steps: []WorkflowStepConfig{
					{
						ID:       "data_collection",
						Name:     "Customer Data Collection",
						Kind:     "data_collection",
						Timeout:  Duration(10 * time.Minute),
						Retry:    &RetryConfig{MaxRetries: 3, BaseDelay: Duration(time.Second), Multiplier: 2},
						Criteria: "data_sources_count >= 3 && collection_quality >= 0.8",
						Params:   map[string]any{"customer_id": "", "collection_scope": "comprehensive"},
					},
					{
						ID:        "risk_analysis",
						Name:      "Credit Risk Analysis",
						Kind:      "risk_analysis",
						DependsOn: []string{"data_collection"},
						Timeout:   Duration(15 * time.Minute),
						Retry:     &RetryConfig{MaxRetries: 2, BaseDelay: Duration(time.Second), Multiplier: 2},
						Criteria:  "risk_level != '' && confidence_level >= 0.7",
						Inputs:    map[string]string{"customer_data": "data_collection"},
						Params:    map[string]any{"loan_amount": 0, "loan_type": "term"},
					},
					{
						ID:        "documentation",
						Name:      "Documentation Creation",
						Kind:      "documentation",
						DependsOn: []string{"data_collection", "risk_analysis"},
						Timeout:   Duration(10 * time.Minute),
						Retry:     &RetryConfig{MaxRetries: 2, BaseDelay: Duration(time.Second), Multiplier: 2},
						Criteria:  "compliance_status == 'Compliant' && sections_count >= 4",
						Inputs: map[string]string{
							"customer_data": "data_collection",
							"risk_level":    "risk_analysis.risk_level",
						},
					},
					{
						ID:        "reporting",
						Name:      "Report Generation",
						Kind:      "reporting",
						DependsOn: []string{"data_collection", "risk_analysis", "documentation"},
						Timeout:   Duration(5 * time.Minute),
						Retry:     &RetryConfig{MaxRetries: 2, BaseDelay: Duration(time.Second), Multiplier: 2},
						Criteria:  "recommendations_count >= 1 && executive_summary == 'complete'",
						Inputs: map[string]string{
							"risk_assessment":   "risk_analysis",
							"compliance_status": "documentation.compliance_status",
						},
						Params: map[string]any{"report_type": "comprehensive"},
					},
				},
			},
		},
		HealthChecks: map[string]HealthCheckConfig{
			"workdir": {Type: "file", Target: ".", Timeout: Duration(5 * time.Second)},
		},
	}
}
