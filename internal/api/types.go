package api

import (
	"github.com/optstream/optstream/internal/provider"
)

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// ReadinessDTO reports the dependencies the stream needs to be useful.
type ReadinessDTO struct {
	Status   string          `json:"status"`
	Provider string          `json:"provider"`
	Feed     provider.Health `json:"feed"`
	Cache    string          `json:"cache"`
	Reasons  []string        `json:"reasons,omitempty"`
}

type SubscriptionsDTO struct {
	DefaultExpiration string   `json:"defaultExpiration"`
	ReferencePrice    *float64 `json:"referencePrice"`
	Count             int      `json:"count"`
	Codes             []string `json:"codes"`
	Clients           int      `json:"clients"`
}
