package handler

import "mallku/internal/fieldsecurity/models"

// IntegrityResponse wraps the integrity report with an overall verdict.
type IntegrityResponse struct {
	Healthy bool `json:"healthy"`
	models.IntegrityReport
}

// ValidationResponse lists advisory warnings per field.
type ValidationResponse struct {
	Valid    bool                `json:"valid"`
	Warnings map[string][]string `json:"warnings"`
}

// MappingsResponse lists registered fields.
type MappingsResponse struct {
	Mappings []models.FieldMapping `json:"mappings"`
}
