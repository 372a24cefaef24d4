// Package events defines the messages exchanged with ingestion over Kafka
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/smukkama/footprint-engine/internal/domain"
)

// MetricsLanded is published by ingestion after new records are committed
type MetricsLanded struct {
	EventID        string        `json:"event_id"`
	OrganizationID string        `json:"organization_id"`
	Domain         domain.Domain `json:"domain"`
	RecordCount    int           `json:"record_count,omitempty"`
	PeriodStart    string        `json:"period_start,omitempty"`
	PeriodEnd      string        `json:"period_end,omitempty"`
	LandedAt       time.Time     `json:"landed_at"`
}

// NewMetricsLanded creates an event with a fresh ID
func NewMetricsLanded(orgID string, d domain.Domain, records int) *MetricsLanded {
	return &MetricsLanded{
		EventID:        uuid.NewString(),
		OrganizationID: orgID,
		Domain:         d,
		RecordCount:    records,
		LandedAt:       time.Now().UTC(),
	}
}

// Key partitions events by organization so one org's events stay ordered
func (m *MetricsLanded) Key() string {
	return m.OrganizationID
}

// Validate checks the fields invalidation depends on
func (m *MetricsLanded) Validate() error {
	if m.OrganizationID == "" {
		return fmt.Errorf("%w: event %s has no organization", domain.ErrInvalidQuery, m.EventID)
	}
	if !m.Domain.Valid() {
		return fmt.Errorf("%w: event %s has unknown domain %q", domain.ErrInvalidQuery, m.EventID, m.Domain)
	}
	return nil
}

// EncodeMetricsLanded encodes a MetricsLanded event to JSON
func EncodeMetricsLanded(msg *MetricsLanded) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeMetricsLanded decodes and validates a MetricsLanded event
func DecodeMetricsLanded(data []byte) (*MetricsLanded, error) {
	var msg MetricsLanded
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}
