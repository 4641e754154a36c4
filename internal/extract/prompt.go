package extract

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/joseph-ayodele/casewatch/internal/entity"
	"github.com/joseph-ayodele/casewatch/internal/llm"
)

// buildViolationSystemPrompt composes the system message for a case analysis.
func buildViolationSystemPrompt(lang string) string {
	parts := []string{
		"You review photos submitted as evidence of a traffic or parking violation. Return ONLY JSON that matches the provided JSON Schema.",
		"'violationType' is a short label for the most likely violation (for example: blocked bike lane, parked on sidewalk, double parking).",
		"'details' describes what the photos show in one or two factual sentences, written in " + languageName(lang) + ".",
		"Set 'language' to the language code you wrote 'details' in.",
		"Fill 'vehicle' only with what is legible or clearly visible. Read license plates exactly; never guess characters.",
		"'images' has one entry per photo, keyed by the exact filename given. 'representationScore' (0 to 1) rates how well that photo documents the violation.",
		"Set 'violation' to true on photos that show the violation itself and 'paperwork' to true on photos of registration or ownership documents.",
		"Never output null. If a field is not present, omit it.",
	}
	return strings.Join(parts, " ")
}

// buildViolationUserPrompt lists the attached photos and embeds the schema.
func buildViolationUserPrompt(images []llm.Image, schema map[string]any) string {
	var b strings.Builder
	b.WriteString("Photos attached, in order:\n")
	for i, img := range images {
		fmt.Fprintf(&b, "%d. %s\n", i+1, img.Filename)
	}
	b.WriteString("\nJSON Schema:\n")
	b.WriteString(schemaText(schema))
	return b.String()
}

func buildPaperworkSystemPrompt() string {
	return strings.Join([]string{
		"You transcribe vehicle paperwork (registration cards, titles, insurance cards). Return ONLY JSON that matches the provided JSON Schema.",
		"'text' is a faithful plain-text transcription of the document.",
		"'info' carries the fields you can read with confidence. A VIN is exactly 17 characters and never contains I, O or Q.",
		"Never output null. If a field is not present, omit it.",
	}, " ")
}

func buildPaperworkUserPrompt(filename string, schema map[string]any) string {
	return "Document photo: " + filename + "\n\nJSON Schema:\n" + schemaText(schema)
}

func buildEmailSystemPrompt(lang string) string {
	return strings.Join([]string{
		"You draft short, polite emails reporting a traffic or parking violation to the responsible authority.",
		"Write in " + languageName(lang) + ". State only the facts provided; do not invent times, places or plates.",
		"Return ONLY JSON with 'subject' and 'body'.",
	}, " ")
}

func buildEmailUserPrompt(req EmailRequest, schema map[string]any) string {
	c := req.Case
	var b strings.Builder
	if n := strings.TrimSpace(req.Recipient); n != "" {
		b.WriteString("Recipient: " + n + "\n")
	}
	if n := strings.TrimSpace(req.SenderName); n != "" {
		b.WriteString("Sender: " + n + "\n")
	}
	b.WriteString("Case: " + c.ID + "\n")
	if a := c.Analysis; a != nil {
		b.WriteString("Violation: " + a.ViolationType + "\n")
		if d := pickDetails(a.Details, req.Lang); d != "" {
			b.WriteString("Details: " + d + "\n")
		}
		if v := vehicleLine(a.Vehicle); v != "" {
			b.WriteString("Vehicle: " + v + "\n")
		}
	}
	if c.VIN != nil && *c.VIN != "" {
		b.WriteString("VIN: " + *c.VIN + "\n")
	}
	for _, p := range c.Photos {
		line := "Photo " + p.Filename
		if p.TakenAt != nil {
			line += " taken " + p.TakenAt.Format("2006-01-02 15:04 MST")
		}
		if p.GPS != nil {
			line += fmt.Sprintf(" at %.6f,%.6f", p.GPS.Lat, p.GPS.Lon)
		}
		b.WriteString(line + "\n")
	}
	b.WriteString("\nJSON Schema:\n")
	b.WriteString(schemaText(schema))
	return b.String()
}

func schemaText(schema map[string]any) string {
	b, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}

func pickDetails(details map[string]string, lang string) string {
	if d, ok := details[lang]; ok {
		return d
	}
	for _, d := range details {
		return d
	}
	return ""
}

func vehicleLine(v entity.VehicleInfo) string {
	var bits []string
	for _, s := range []string{v.Color, v.Make, v.Model} {
		if s != "" {
			bits = append(bits, s)
		}
	}
	if v.LicensePlateNumber != "" {
		plate := "plate " + v.LicensePlateNumber
		if v.LicensePlateState != "" {
			plate += " (" + v.LicensePlateState + ")"
		}
		bits = append(bits, plate)
	}
	return strings.Join(bits, " ")
}

var languageNames = map[string]string{
	"en": "English",
	"es": "Spanish",
	"fr": "French",
	"de": "German",
	"pt": "Portuguese",
	"zh": "Chinese",
}

func languageName(lang string) string {
	if n, ok := languageNames[strings.ToLower(lang)]; ok {
		return n
	}
	return "the language with code '" + lang + "'"
}
