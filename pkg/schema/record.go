// Package schema validates eligibility API response bodies and parses them
// into records. Only the fields the extractor depends on are modeled; the raw
// body is kept so nothing the API adds later is lost.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Sternrassler/eligibility-extractor/pkg/identifiers"
)

// ErrSchema is wrapped by every validation failure.
var ErrSchema = errors.New("response does not match eligibility schema")

// Record is a validated eligibility response.
type Record struct {
	NPI                   string          `json:"npi"`
	FirstName             string          `json:"firstName"`
	MiddleName            string          `json:"middleName,omitempty"`
	LastName              string          `json:"lastName"`
	ProviderType          *int            `json:"nationalProviderIdentifierType,omitempty"`
	FirstApprovedDate     string          `json:"firstApprovedDate,omitempty"`
	YearsInMedicare       *int            `json:"yearsInMedicare,omitempty"`
	NewlyEnrolled         *bool           `json:"newlyEnrolled,omitempty"`
	QPStatus              string          `json:"qpStatus,omitempty"`
	IsMAQI                *bool           `json:"isMaqi,omitempty"`
	QPScoreType           string          `json:"qpScoreType,omitempty"`
	MIPSEligibleClinician *bool           `json:"amsMipsEligibleClinician,omitempty"`
	Organizations         []Organization  `json:"organizations,omitempty"`
	Raw                   json.RawMessage `json:"-"`
}

// Organization is one practice the provider bills under.
type Organization struct {
	TIN             string `json:"TIN"`
	Name            string `json:"prvdrOrgName,omitempty"`
	IsFacilityBased *bool  `json:"isFacilityBased,omitempty"`
	City            string `json:"city,omitempty"`
	State           string `json:"state,omitempty"`
	Zip             string `json:"zip,omitempty"`
}

type envelope struct {
	Data *json.RawMessage `json:"data"`
}

// Validator checks 200 bodies against the eligibility schema.
type Validator struct{}

// NewValidator returns a schema validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate parses body and checks required fields.
func (v *Validator) Validate(body []byte) (*Record, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: parse body: %v", ErrSchema, err)
	}
	if env.Data == nil || string(*env.Data) == "null" {
		return nil, fmt.Errorf("%w: missing data object", ErrSchema)
	}

	var rec Record
	if err := json.Unmarshal(*env.Data, &rec); err != nil {
		return nil, fmt.Errorf("%w: parse data: %v", ErrSchema, err)
	}

	if err := identifiers.Validate(rec.NPI); err != nil {
		return nil, fmt.Errorf("%w: data.npi: %v", ErrSchema, err)
	}
	if strings.TrimSpace(rec.FirstName) == "" {
		return nil, fmt.Errorf("%w: data.firstName is required", ErrSchema)
	}
	if strings.TrimSpace(rec.LastName) == "" {
		return nil, fmt.Errorf("%w: data.lastName is required", ErrSchema)
	}
	for i, org := range rec.Organizations {
		if strings.TrimSpace(org.TIN) == "" {
			return nil, fmt.Errorf("%w: data.organizations[%d].TIN is required", ErrSchema, i)
		}
	}

	rec.Raw = append(json.RawMessage(nil), body...)
	return &rec, nil
}
