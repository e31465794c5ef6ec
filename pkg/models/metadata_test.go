package models_test

import (
	"encoding/json"
	"testing"

	"github.com/kiranshivaraju/jobrelay/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadata_UnknownKeysSurviveRoundtrip(t *testing.T) {
	in := []byte(`{"client_name":"acme","queue_position":3,"rider_height":182,"notes":{"a":"b"}}`)

	var md models.Metadata
	require.NoError(t, json.Unmarshal(in, &md))

	assert.Equal(t, "acme", md.ClientName)
	require.NotNil(t, md.QueuePosition)
	assert.Equal(t, 3, *md.QueuePosition)
	assert.Equal(t, float64(182), md.Extra["rider_height"])
	assert.NotContains(t, md.Extra, "client_name")

	out, err := json.Marshal(md)
	require.NoError(t, err)
	assert.JSONEq(t, string(in), string(out))
}

func TestMetadata_ExtraCannotShadowTypedField(t *testing.T) {
	md := models.Metadata{
		ClientName: "acme",
		Extra:      map[string]any{"client_name": "evil", "color": "red"},
	}

	out, err := json.Marshal(md)
	require.NoError(t, err)
	assert.JSONEq(t, `{"client_name":"acme","color":"red"}`, string(out))
}

func TestMetadata_MistypedKnownFieldsLandInExtra(t *testing.T) {
	in := []byte(`{"client_name":"acme","queue_position":"3","progress":"50%","estimated_wait_time":120,"error":{"code":1}}`)

	var md models.Metadata
	require.NoError(t, json.Unmarshal(in, &md))

	assert.Equal(t, "acme", md.ClientName)
	assert.Nil(t, md.QueuePosition)
	assert.Nil(t, md.Progress)
	assert.Empty(t, md.EstimatedWaitTime)
	assert.Equal(t, "3", md.Extra["queue_position"])
	assert.Equal(t, "50%", md.Extra["progress"])
	assert.Equal(t, float64(120), md.Extra["estimated_wait_time"])
	assert.Equal(t, map[string]any{"code": float64(1)}, md.Extra["error"])

	out, err := json.Marshal(md)
	require.NoError(t, err)
	assert.JSONEq(t, string(in), string(out))
}

func TestMetadata_MalformedJSONStillFails(t *testing.T) {
	var md models.Metadata
	assert.Error(t, json.Unmarshal([]byte(`{"queue_position":`), &md))
	assert.Error(t, json.Unmarshal([]byte(`["a"]`), &md))
}

func TestMetadata_SetRaw(t *testing.T) {
	md := models.Metadata{EstimatedWaitTime: "5 min"}

	require.NoError(t, md.SetRaw("estimated_wait_time", json.RawMessage(`30`)))
	assert.Empty(t, md.EstimatedWaitTime)
	assert.Equal(t, float64(30), md.Extra["estimated_wait_time"])

	require.NoError(t, md.SetRaw("estimated_wait_time", json.RawMessage(`"2 min"`)))
	assert.Equal(t, "2 min", md.EstimatedWaitTime)
	assert.NotContains(t, md.Extra, "estimated_wait_time")

	require.NoError(t, md.SetRaw("rider_height", json.RawMessage(`182`)))
	assert.Equal(t, float64(182), md.Extra["rider_height"])

	assert.Error(t, md.SetRaw("rider_height", json.RawMessage(`{`)))
}

func TestMetadata_WireNamesForUpstreamFields(t *testing.T) {
	md := models.Metadata{InputURL: "in", OutputURL: "out", UpstreamCreatedAt: "2024-01-01"}

	out, err := json.Marshal(md)
	require.NoError(t, err)
	assert.JSONEq(t, `{"inputUrl":"in","outputUrl":"out","createdAt":"2024-01-01"}`, string(out))
}

func TestMetadata_CloneDoesNotAlias(t *testing.T) {
	md := models.Metadata{Files: []models.FileDescriptor{{Filename: "a.csv"}}}

	cp := md.Clone()
	cp.Files[0].Filename = "b.csv"

	assert.Equal(t, "a.csv", md.Files[0].Filename)
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		raw  string
		want models.Status
		ok   bool
	}{
		{"completed", models.StatusCompleted, true},
		{" Processing ", models.StatusProcessing, true},
		{"queued", models.StatusPending, true},
		{"error", models.StatusFailed, true},
		{"exploded", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := models.ParseStatus(tt.raw)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFileDownloadPath(t *testing.T) {
	assert.Equal(t, "/api/files/J1/a.csv", models.FileDownloadPath("J1", "a.csv"))
	assert.Equal(t, "/api/files/J%201/a.csv", models.FileDownloadPath("J 1", "a.csv"))
}
