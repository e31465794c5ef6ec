package upstream

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/kiranshivaraju/jobrelay/pkg/models"
)

// JobDetails is the upstream per-job details payload. Several fields come
// in more than one shape; those are decoded into the sum types below.
type JobDetails struct {
	ID                  string         `json:"id,omitempty"`
	JobID               string         `json:"job_id,omitempty"`
	Filename            string         `json:"filename,omitempty"`
	Message             string         `json:"message,omitempty"`
	EstimatedWaitTime   string         `json:"estimated_wait_time,omitempty"`
	QueuePosition       *int           `json:"queue_position,omitempty"`
	Status              StatusField    `json:"status"`
	Progress            *float64       `json:"progress,omitempty"`
	Error               string         `json:"error,omitempty"`
	InputURL            string         `json:"inputUrl,omitempty"`
	OutputURL           string         `json:"outputUrl,omitempty"`
	CreatedAt           string         `json:"createdAt,omitempty"`
	UpdatedAt           string         `json:"updatedAt,omitempty"`
	CompletedAt         string         `json:"completed_at,omitempty"`
	IsCurrentProcessing *bool          `json:"is_current_processing,omitempty"`
	Troubleshooting     map[string]any `json:"troubleshooting,omitempty"`
	AnalysisResults     map[string]any `json:"analysis_results,omitempty"`
	Files               FileListing    `json:"files"`
	DownloadURLs        DownloadURLs   `json:"download_urls"`
	Links               []string       `json:"links,omitempty"`

	// Mismatched holds fields whose value did not fit the modeled type,
	// keyed by JSON name and kept as received.
	Mismatched map[string]json.RawMessage `json:"-"`

	// Raw is the payload exactly as received.
	Raw json.RawMessage `json:"-"`
}

// ParseJobDetails decodes a details payload and keeps the raw bytes. Only a
// payload that is not a JSON object is an error; a field of an unexpected
// type lands in Mismatched instead.
func ParseJobDetails(data []byte) (*JobDetails, error) {
	var d JobDetails
	if err := json.Unmarshal(data, &d); err != nil {
		d = JobDetails{}
		if err := d.decodeFieldwise(data); err != nil {
			return nil, fmt.Errorf("decoding job details: %w", err)
		}
	}
	d.Raw = append(json.RawMessage(nil), data...)
	return &d, nil
}

// decodeFieldwise decodes one top-level field at a time so a single bad
// value cannot take the others down with it.
func (d *JobDetails) decodeFieldwise(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if fields == nil {
		return fmt.Errorf("expected an object, got %s", bytes.TrimSpace(data))
	}
	for key, raw := range fields {
		one, err := json.Marshal(map[string]json.RawMessage{key: raw})
		if err != nil {
			return err
		}
		// Decode into a copy: a failed decode can leave a half-set field.
		next := *d
		if err := json.Unmarshal(one, &next); err != nil {
			if d.Mismatched == nil {
				d.Mismatched = make(map[string]json.RawMessage)
			}
			d.Mismatched[key] = raw
			continue
		}
		*d = next
	}
	return nil
}

// MarshalJSON returns the raw payload when present so callers see exactly
// what upstream sent.
func (d JobDetails) MarshalJSON() ([]byte, error) {
	if len(d.Raw) > 0 {
		return d.Raw, nil
	}
	type plain JobDetails
	return json.Marshal(plain(d))
}

// DetailedStatus is the structured status shape.
type DetailedStatus struct {
	Status   string   `json:"status"`
	Progress *float64 `json:"progress,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// StatusField is either a bare status string (Simple) or a structured
// status object (Detailed). At most one is set.
type StatusField struct {
	Simple   string
	Detailed *DetailedStatus
}

func (s *StatusField) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*s = StatusField{}
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	switch data[0] {
	case '"':
		return json.Unmarshal(data, &s.Simple)
	case '{':
		var d DetailedStatus
		if err := json.Unmarshal(data, &d); err != nil {
			return fmt.Errorf("decoding status object: %w", err)
		}
		s.Detailed = &d
		return nil
	default:
		return fmt.Errorf("unsupported status shape %s", data)
	}
}

func (s StatusField) MarshalJSON() ([]byte, error) {
	if s.Detailed != nil {
		return json.Marshal(s.Detailed)
	}
	if s.Simple == "" {
		return []byte("null"), nil
	}
	return json.Marshal(s.Simple)
}

// Resolved is a status payload folded into the local vocabulary.
type Resolved struct {
	Status models.Status
	// Known is false when upstream reported a status we do not recognise;
	// Status is empty in that case and must not be persisted.
	Known    bool
	Raw      string
	Progress *float64
	Message  string
}

// Resolve folds the status shape once, so nothing downstream has to branch
// on it again.
func (d *JobDetails) Resolve() Resolved {
	r := Resolved{Progress: d.Progress, Message: d.Message}
	if d.Status.Detailed != nil {
		r.Raw = d.Status.Detailed.Status
		if d.Status.Detailed.Progress != nil {
			r.Progress = d.Status.Detailed.Progress
		}
		if d.Status.Detailed.Message != "" {
			r.Message = d.Status.Detailed.Message
		}
	} else {
		r.Raw = d.Status.Simple
	}
	r.Status, r.Known = models.ParseStatus(r.Raw)
	return r
}

// FileEntry is one element of the array-shaped files listing.
type FileEntry struct {
	Filename    string `json:"filename"`
	DownloadURL string `json:"downloadUrl"`
	Size        int64  `json:"size,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// NamedFile is one value of the object-shaped files listing, e.g.
// "angles_csv": {"path": "...", "exists": true, "size": 1234}.
type NamedFile struct {
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
	Size   int64  `json:"size"`
}

// FileListing is either an array of entries or an object of named files.
// Elements that do not decode are dropped rather than failing the payload.
type FileListing struct {
	Entries []FileEntry
	Named   map[string]NamedFile
}

func (f *FileListing) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*f = FileListing{}
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	switch data[0] {
	case '[':
		var raw []json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("decoding files array: %w", err)
		}
		for _, r := range raw {
			var e FileEntry
			if json.Unmarshal(r, &e) == nil {
				f.Entries = append(f.Entries, e)
			}
		}
	case '{':
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("decoding files object: %w", err)
		}
		f.Named = make(map[string]NamedFile, len(raw))
		for name, r := range raw {
			var nf NamedFile
			if json.Unmarshal(r, &nf) == nil {
				f.Named[name] = nf
			}
		}
	}
	return nil
}

func (f FileListing) MarshalJSON() ([]byte, error) {
	if f.Named != nil {
		return json.Marshal(f.Named)
	}
	if f.Entries == nil {
		return []byte("null"), nil
	}
	return json.Marshal(f.Entries)
}

// DownloadURLs is either an object of named URLs ("video", "csv",
// "video_direct", ...) or a bare array of URLs.
type DownloadURLs struct {
	Named map[string]string
	List  []string
	raw   json.RawMessage
}

func (d *DownloadURLs) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*d = DownloadURLs{}
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	d.raw = append(json.RawMessage(nil), data...)
	switch data[0] {
	case '{':
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("decoding download_urls object: %w", err)
		}
		d.Named = make(map[string]string, len(raw))
		for k, v := range raw {
			if s, ok := v.(string); ok && s != "" {
				d.Named[k] = s
			}
		}
	case '[':
		var raw []any
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("decoding download_urls array: %w", err)
		}
		for _, v := range raw {
			if s, ok := v.(string); ok && s != "" {
				d.List = append(d.List, s)
			}
		}
	}
	return nil
}

func (d DownloadURLs) MarshalJSON() ([]byte, error) {
	if d.raw != nil {
		return d.raw, nil
	}
	if d.Named != nil {
		return json.Marshal(d.Named)
	}
	if d.List != nil {
		return json.Marshal(d.List)
	}
	return []byte("null"), nil
}

// Get returns the named URL, or "" for the array shape or a missing name.
func (d DownloadURLs) Get(name string) string {
	return d.Named[name]
}

// Raw returns the field as received, for persisting alongside the job.
func (d DownloadURLs) Raw() json.RawMessage {
	return d.raw
}
