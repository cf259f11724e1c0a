package fhir

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// DraftDisclaimer is attached to every note this layer creates.
const DraftDisclaimer = "DRAFT - generated outside the EHR and not reviewed. Requires clinician review and signature before clinical use."

// DraftTitlePrefix marks the title when the server cannot record
// docStatus=preliminary.
const DraftTitlePrefix = "DRAFT - "

// Default note type: LOINC 11506-3 Progress note.
var defaultNoteType = CodeableConcept{
	Coding: []Coding{{System: "http://loinc.org", Code: "11506-3", Display: "Progress note"}},
	Text:   "Progress note",
}

// DraftNoteParams describes a draft clinical note.
type DraftNoteParams struct {
	Capabilities *CapabilityStatement
	PatientID    string
	EncounterID  string
	// AuthorReference is a relative reference such as "Practitioner/123".
	AuthorReference string
	Title           string
	Text            string
	ContentType     string // defaults to text/plain
	Type            *CodeableConcept

	// RequireBinary posts the note text as a Binary first and references
	// it by URL instead of inlining the data.
	RequireBinary bool
	// PreliminarySupported records the draft as docStatus=preliminary.
	// Without it the title carries DraftTitlePrefix instead.
	PreliminarySupported bool

	Date time.Time
}

// CreateDraftDocumentReferenceNote creates a note that is always a draft.
// Every resource the note needs is checked against the capability
// statement before the first request, so an unsupported server sees no
// traffic at all.
func (c *Client) CreateDraftDocumentReferenceNote(ctx context.Context, p DraftNoteParams) (*DocumentReference, error) {
	if err := RequireInteraction(ctx, p.Capabilities, "DocumentReference", InteractionCreate); err != nil {
		return nil, err
	}
	if p.RequireBinary {
		if err := RequireInteraction(ctx, p.Capabilities, "Binary", InteractionCreate); err != nil {
			return nil, err
		}
	}
	if p.PatientID == "" {
		return nil, fmt.Errorf("%w: patient id is required", ErrInvalidResource)
	}
	if strings.TrimSpace(p.Text) == "" {
		return nil, fmt.Errorf("%w: note text is required", ErrInvalidResource)
	}

	contentType := p.ContentType
	if contentType == "" {
		contentType = "text/plain"
	}
	attachment := Attachment{ContentType: contentType}

	if p.RequireBinary {
		bin, err := c.createBinary(ctx, contentType, []byte(p.Text))
		if err != nil {
			return nil, fmt.Errorf("fhir: creating note attachment: %w", err)
		}
		attachment.URL = "Binary/" + bin.ID
	} else {
		attachment.Data = base64.StdEncoding.EncodeToString([]byte(p.Text))
	}

	doc := BuildDraftNote(p, attachment)
	created := &DocumentReference{}
	if err := c.create(ctx, "DocumentReference", doc, created); err != nil {
		return nil, err
	}
	return created, nil
}

// BuildDraftNote assembles the DocumentReference body. The result is never
// final: docStatus is preliminary or the title is marked as a draft.
func BuildDraftNote(p DraftNoteParams, attachment Attachment) *DocumentReference {
	title := strings.TrimSpace(p.Title)
	if title == "" {
		title = "Clinical note"
	}

	doc := &DocumentReference{
		ResourceType: "DocumentReference",
		Status:       "current",
		Subject:      &Reference{Reference: "Patient/" + p.PatientID},
		Description:  DraftDisclaimer,
	}
	if p.PreliminarySupported {
		doc.DocStatus = "preliminary"
	} else if !strings.HasPrefix(title, DraftTitlePrefix) {
		title = DraftTitlePrefix + title
	}

	if p.Type != nil {
		doc.Type = p.Type
	} else {
		t := defaultNoteType
		doc.Type = &t
	}
	date := p.Date
	if date.IsZero() {
		date = time.Now()
	}
	doc.Date = date.UTC().Format(time.RFC3339)

	if p.AuthorReference != "" {
		doc.Author = []Reference{{Reference: p.AuthorReference}}
	}
	if p.EncounterID != "" {
		doc.Context = &DocumentReferenceContext{
			Encounter: []Reference{{Reference: "Encounter/" + p.EncounterID}},
		}
	}

	attachment.Title = title
	doc.Content = []DocumentReferenceContent{{Attachment: attachment}}
	return doc
}
