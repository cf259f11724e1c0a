package fhir

import (
	"context"
	"encoding/base64"
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/ehr/ehrlink/internal/platform/telemetry"
)

func readOnlyCapabilities() *CapabilityStatement {
	return NewCapabilityBuilder().
		AddResource("Patient", "read", "search-type").
		AddResource("DocumentReference", "read").
		Build()
}

func writableCapabilities() *CapabilityStatement {
	return NewCapabilityBuilder().
		AddResource("Patient", "read", "search-type", "create").
		AddResource("Binary", "create").
		AddResource("DocumentReference", "read", "create").
		Build()
}

func TestCreatePatient_NotSupportedMakesNoCall(t *testing.T) {
	f := newFakeEHR(t)
	c := newTestClient(t, f)

	_, err := c.CreatePatient(context.Background(), &Patient{Gender: "male"}, readOnlyCapabilities())
	require.Error(t, err)

	var wns *WriteNotSupportedError
	require.True(t, errors.As(err, &wns))
	assert.Equal(t, "Patient", wns.ResourceType)
	assert.Equal(t, "create", wns.Interaction)
	assert.Equal(t, []string{"read", "search-type"}, wns.Supported)
	assert.Contains(t, err.Error(), "supported interactions: read, search-type")

	assert.Equal(t, int32(0), f.fhirCount())
	assert.Equal(t, int32(0), f.refreshCount())
}

func TestCreatePatient_NotSupportedCountsBlockedWrite(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	shutdown := telemetry.Install(telemetry.Providers{Reader: reader})
	t.Cleanup(func() {
		_ = shutdown(context.Background())
		telemetry.Install(telemetry.Providers{})
	})

	f := newFakeEHR(t)
	c := newTestClient(t, f)
	_, err := c.CreatePatient(context.Background(), &Patient{}, readOnlyCapabilities())
	require.Error(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var blocked *metricdata.Sum[int64]
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == "ehr.write.blocked" {
				sum, ok := m.Data.(metricdata.Sum[int64])
				require.True(t, ok)
				blocked = &sum
			}
		}
	}
	require.NotNil(t, blocked, "ehr.write.blocked not recorded")
	require.Len(t, blocked.DataPoints, 1)
	assert.Equal(t, int64(1), blocked.DataPoints[0].Value)
	interaction, _ := blocked.DataPoints[0].Attributes.Value("fhir.interaction")
	assert.Equal(t, "create", interaction.AsString())
	assert.Equal(t, int32(0), f.fhirCount())
}

func TestCreatePatient_NilCapabilitiesFailsClosed(t *testing.T) {
	f := newFakeEHR(t)
	c := newTestClient(t, f)

	_, err := c.CreatePatient(context.Background(), &Patient{}, nil)
	var wns *WriteNotSupportedError
	require.True(t, errors.As(err, &wns))
	assert.Empty(t, wns.Supported)
	assert.Contains(t, err.Error(), "supported interactions: none")
	assert.Equal(t, int32(0), f.fhirCount())
}

func TestCreatePatient(t *testing.T) {
	f := newFakeEHR(t)
	c := newTestClient(t, f)

	created, err := c.CreatePatient(context.Background(), &Patient{
		ID:        "ignored",
		Name:      []HumanName{{Family: "Smith", Given: []string{"Ana"}}},
		Gender:    "female",
		BirthDate: "1980-02-03",
	}, writableCapabilities())
	require.NoError(t, err)
	assert.Equal(t, "Patient-1", created.ID)

	require.Len(t, f.posts, 1)
	assert.Equal(t, "Patient", f.posts[0].body["resourceType"])
	assert.NotContains(t, f.posts[0].body, "id", "client-supplied ids are not sent on create")
}

func TestCreatePatient_MinimalResponseUsesLocation(t *testing.T) {
	f := newFakeEHR(t)
	f.minimalCreate = true
	c := newTestClient(t, f)

	created, err := c.CreatePatient(context.Background(), &Patient{Gender: "other"}, writableCapabilities())
	require.NoError(t, err)
	assert.Equal(t, "Patient-1", created.ID)
	assert.Equal(t, "other", created.Gender)
}

func TestCreateBinary(t *testing.T) {
	f := newFakeEHR(t)
	c := newTestClient(t, f)

	bin, err := c.CreateBinary(context.Background(), "application/pdf", []byte("%PDF-1.4"), writableCapabilities())
	require.NoError(t, err)
	assert.Equal(t, "Binary-1", bin.ID)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("%PDF-1.4")), f.posts[0].body["data"])

	_, err = c.CreateBinary(context.Background(), "application/pdf", []byte("x"), readOnlyCapabilities())
	var wns *WriteNotSupportedError
	assert.True(t, errors.As(err, &wns))
	assert.Len(t, f.posts, 1)

	_, err = c.CreateBinary(context.Background(), "", []byte("x"), writableCapabilities())
	assert.ErrorIs(t, err, ErrInvalidResource)
}

func TestCreateDraftNote_RequireBinaryPostsBinaryThenDocumentReference(t *testing.T) {
	f := newFakeEHR(t)
	c := newTestClient(t, f)

	doc, err := c.CreateDraftDocumentReferenceNote(context.Background(), DraftNoteParams{
		Capabilities:         writableCapabilities(),
		PatientID:            "123",
		EncounterID:          "enc-9",
		AuthorReference:      "Practitioner/77",
		Title:                "Visit summary",
		Text:                 "Patient reports improvement.",
		RequireBinary:        true,
		PreliminarySupported: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "DocumentReference-2", doc.ID)

	assert.Equal(t, []string{"Binary", "DocumentReference"}, f.postedPaths())

	binary := f.posts[0].body
	assert.Equal(t, "text/plain", binary["contentType"])
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("Patient reports improvement.")), binary["data"])

	content := f.posts[1].body["content"].([]any)[0].(map[string]any)
	attachment := content["attachment"].(map[string]any)
	assert.Equal(t, "Binary/Binary-1", attachment["url"])
	assert.NotContains(t, attachment, "data", "attachment references the Binary instead of inlining")

	assert.Equal(t, "preliminary", f.posts[1].body["docStatus"])
	assert.Equal(t, "current", f.posts[1].body["status"])
	assert.Equal(t, DraftDisclaimer, f.posts[1].body["description"])
}

func TestCreateDraftNote_Inline(t *testing.T) {
	f := newFakeEHR(t)
	c := newTestClient(t, f)

	_, err := c.CreateDraftDocumentReferenceNote(context.Background(), DraftNoteParams{
		Capabilities: writableCapabilities(),
		PatientID:    "123",
		Title:        "Visit summary",
		Text:         "Inline text",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"DocumentReference"}, f.postedPaths())

	body := f.posts[0].body
	attachment := body["content"].([]any)[0].(map[string]any)["attachment"].(map[string]any)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("Inline text")), attachment["data"])
	assert.Equal(t, "DRAFT - Visit summary", attachment["title"])
	assert.NotContains(t, body, "docStatus")
	assert.Equal(t, "current", body["status"])
}

func TestCreateDraftNote_BinaryNotSupportedMakesNoCall(t *testing.T) {
	f := newFakeEHR(t)
	c := newTestClient(t, f)

	cs := NewCapabilityBuilder().AddResource("DocumentReference", "create").Build()
	_, err := c.CreateDraftDocumentReferenceNote(context.Background(), DraftNoteParams{
		Capabilities:  cs,
		PatientID:     "123",
		Text:          "text",
		RequireBinary: true,
	})
	var wns *WriteNotSupportedError
	require.True(t, errors.As(err, &wns))
	assert.Equal(t, "Binary", wns.ResourceType)
	assert.Equal(t, int32(0), f.fhirCount())
}

func TestCreateDraftNote_DocumentReferenceNotSupported(t *testing.T) {
	f := newFakeEHR(t)
	c := newTestClient(t, f)

	_, err := c.CreateDraftDocumentReferenceNote(context.Background(), DraftNoteParams{
		Capabilities: readOnlyCapabilities(),
		PatientID:    "123",
		Text:         "text",
	})
	var wns *WriteNotSupportedError
	require.True(t, errors.As(err, &wns))
	assert.Equal(t, "DocumentReference", wns.ResourceType)
	assert.Equal(t, []string{"read"}, wns.Supported)
	assert.Equal(t, int32(0), f.fhirCount())
}

func TestBuildDraftNote_NeverFinal(t *testing.T) {
	for _, prelim := range []bool{true, false} {
		doc := BuildDraftNote(DraftNoteParams{
			PatientID:            "1",
			Title:                "DRAFT - Already marked",
			PreliminarySupported: prelim,
		}, Attachment{ContentType: "text/plain"})

		assert.NotEqual(t, "final", doc.DocStatus)
		assert.NotEqual(t, "amended", doc.DocStatus)
		assert.Equal(t, DraftDisclaimer, doc.Description)
		title := doc.Content[0].Attachment.Title
		assert.Equal(t, 1, strings.Count(title, DraftTitlePrefix), "prefix is not doubled")
		assert.Equal(t, "Patient/1", doc.Subject.Reference)
		assert.Equal(t, "11506-3", doc.Type.Coding[0].Code)
	}
}

func TestSearchPatients(t *testing.T) {
	f := newFakeEHR(t)
	c := newTestClient(t, f)

	bundle, err := c.SearchPatients(context.Background(), url.Values{"gender": {"female"}})
	require.NoError(t, err)
	patients, err := bundle.Patients()
	require.NoError(t, err)
	require.Len(t, patients, 1)
	assert.Equal(t, "p1", patients[0].ID)
	assert.Equal(t, "female", patients[0].Gender)
}

func TestStartBulkExport(t *testing.T) {
	f := newFakeEHR(t)
	c := newTestClient(t, f)

	_, err := c.StartBulkExport(context.Background(), writableCapabilities(), nil)
	assert.ErrorIs(t, err, ErrOperationNotSupported)
	assert.Equal(t, int32(0), f.fhirCount())

	cs := NewCapabilityBuilder().AddOperation("", "export").Build()
	loc, err := c.StartBulkExport(context.Background(), cs, []string{"Patient", "DocumentReference"})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(loc, "/fhir/export-status/1"))
}

func TestIDFromLocation(t *testing.T) {
	tests := []struct{ loc, rt, want string }{
		{"https://ehr/fhir/Binary/abc/_history/1", "Binary", "abc"},
		{"https://ehr/fhir/Binary/abc", "Binary", "abc"},
		{"Binary/abc/", "Binary", "abc"},
		{"https://ehr/fhir/Patient/abc", "Binary", ""},
		{"", "Binary", ""},
	}
	for _, tt := range tests {
		if got := idFromLocation(tt.loc, tt.rt); got != tt.want {
			t.Errorf("idFromLocation(%q, %q) = %q, want %q", tt.loc, tt.rt, got, tt.want)
		}
	}
}
