package models

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// Metadata is the per-job property bag. Fields the service reads or writes
// are modeled explicitly; anything else a client or upstream supplies is
// kept in Extra and written back unchanged.
type Metadata struct {
	// descriptive, usually client supplied
	ClientName        string `json:"client_name,omitempty"`
	BikeModel         string `json:"bike_model,omitempty"`
	Type              string `json:"type,omitempty"`
	Filename          string `json:"filename,omitempty"`
	EstimatedWaitTime string `json:"estimated_wait_time,omitempty"`
	QueuePosition     *int   `json:"queue_position,omitempty"`

	// upstream mirror
	ExternalStatus      string          `json:"external_status,omitempty"`
	ExternalError       string          `json:"external_error,omitempty"`
	ErrorMessage        string          `json:"error_message,omitempty"`
	Progress            *float64        `json:"progress,omitempty"`
	Message             string          `json:"message,omitempty"`
	Error               string          `json:"error,omitempty"`
	InputURL            string          `json:"inputUrl,omitempty"`
	OutputURL           string          `json:"outputUrl,omitempty"`
	UpstreamCreatedAt   string          `json:"createdAt,omitempty"`
	UpstreamUpdatedAt   string          `json:"updatedAt,omitempty"`
	IsCurrentProcessing *bool           `json:"is_current_processing,omitempty"`
	Troubleshooting     map[string]any  `json:"troubleshooting,omitempty"`
	AnalysisResults     map[string]any  `json:"analysis_results,omitempty"`
	DownloadURLs        json.RawMessage `json:"download_urls,omitempty"`

	// relay results
	Files           []FileDescriptor `json:"files,omitempty"`
	FilesDownloaded *int             `json:"files_downloaded,omitempty"`
	FilesUploaded   *int             `json:"files_uploaded,omitempty"`
	DownloadErrors  *int             `json:"download_errors,omitempty"`

	StopPolling    bool       `json:"stop_polling,omitempty"`
	LastCheck      *time.Time `json:"last_check,omitempty"`
	LastFetch      *time.Time `json:"last_fetch,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	MarkedFailedAt *time.Time `json:"marked_failed_at,omitempty"`

	Extra map[string]any `json:"-"`
}

// metadataFields has the same layout without the custom marshalers.
type metadataFields Metadata

// metadataFieldIndex maps every JSON key owned by a typed field to the
// field's index.
var metadataFieldIndex = func() map[string]int {
	keys := make(map[string]int)
	t := reflect.TypeOf(metadataFields{})
	for i := 0; i < t.NumField(); i++ {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		if name != "" && name != "-" {
			keys[name] = i
		}
	}
	return keys
}()

// SetRaw stores a JSON value under key. It goes into the typed field when
// it decodes as that type; otherwise the typed field is cleared and the
// value is kept in Extra as received. Only malformed JSON is an error.
func (m *Metadata) SetRaw(key string, raw json.RawMessage) error {
	if i, ok := metadataFieldIndex[key]; ok {
		field := reflect.ValueOf((*metadataFields)(m)).Elem().Field(i)
		v := reflect.New(field.Type())
		if err := json.Unmarshal(raw, v.Interface()); err == nil {
			field.Set(v.Elem())
			delete(m.Extra, key)
			return nil
		}
		field.Set(reflect.Zero(field.Type()))
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("metadata %q: %w", key, err)
	}
	if m.Extra == nil {
		m.Extra = make(map[string]any)
	}
	m.Extra[key] = v
	return nil
}

// MarshalJSON writes the typed fields, then every Extra key the typed
// fields did not already produce.
func (m Metadata) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(metadataFields(m))
	if err != nil || len(m.Extra) == 0 {
		return known, err
	}

	merged := make(map[string]json.RawMessage, len(m.Extra)+8)
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for k, v := range m.Extra {
		if _, taken := merged[k]; taken {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		merged[k] = raw
	}
	return json.Marshal(merged)
}

func (m *Metadata) UnmarshalJSON(data []byte) error {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}

	*m = Metadata{}
	for k, raw := range all {
		if err := m.SetRaw(k, raw); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy, so callers can build a patch without aliasing
// the slices and maps of a stored job.
func (m Metadata) Clone() Metadata {
	data, err := json.Marshal(m)
	if err != nil {
		return m
	}
	var out Metadata
	if err := json.Unmarshal(data, &out); err != nil {
		return m
	}
	return out
}

// IntPtr is a small helper for the optional counters.
func IntPtr(v int) *int { return &v }

// TimePtr returns a pointer to a UTC copy of t.
func TimePtr(t time.Time) *time.Time {
	t = t.UTC()
	return &t
}
