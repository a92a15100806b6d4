package services

import (
	"fmt"
	"strings"

	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/entities"
)

const maxPromptCitations = 5

const reasoningSystemPrompt = `You are a clinical decision support assistant. Return ONLY valid JSON with this schema:
{
  "steps": string[] (ordered reasoning steps, 2-8 items),
  "answer": string (one or two sentences),
  "recommendations": string[] (0-5 items),
  "confidence": number (0 to 1)
}
Cite evidence by its [source_id] when you use it. Do not invent citations.`

var queryTemplates = map[entities.QueryType]string{
	entities.QueryTypeDiagnostic: "Task: work through the differential diagnosis for this patient. " +
		"Order steps from presenting findings to the most likely explanation, noting what would confirm or exclude each candidate.",
	entities.QueryTypeTreatment: "Task: propose a treatment plan for this patient. " +
		"Order steps from current therapy review through options, contraindications and monitoring.",
	entities.QueryTypeGeneral: "Task: summarize this patient's clinical picture and the most important risks. " +
		"Order steps from the risk profile to the priorities for the next encounter.",
}

func buildReasoningPrompt(req ReasoningRequest) string {
	var b strings.Builder
	b.WriteString(reasoningSystemPrompt)
	b.WriteString("\n\n")

	tmpl, ok := queryTemplates[req.QueryType]
	if !ok {
		tmpl = queryTemplates[entities.QueryTypeGeneral]
	}
	b.WriteString(tmpl)
	b.WriteString("\n")
	if q := strings.TrimSpace(req.Question); q != "" {
		fmt.Fprintf(&b, "Question: %s\n", q)
	}

	bundle := req.Bundle
	fmt.Fprintf(&b, "\nPatient: age %d", bundle.Age())
	if bundle.Demographics.Sex != "" {
		fmt.Fprintf(&b, ", sex %s", bundle.Demographics.Sex)
	}
	if bundle.Demographics.SmokingStatus != "" {
		fmt.Fprintf(&b, ", smoking %s", bundle.Demographics.SmokingStatus)
	}
	b.WriteString("\n")

	b.WriteString("Active conditions:\n")
	conditions := bundle.ActiveConditions()
	if len(conditions) == 0 {
		b.WriteString("- none recorded\n")
	}
	for _, c := range conditions {
		fmt.Fprintf(&b, "- %s (%s)\n", c.Label(), c.Key())
	}

	b.WriteString("Active medications:\n")
	meds := bundle.ActiveMedications()
	if len(meds) == 0 {
		b.WriteString("- none recorded\n")
	}
	for _, m := range meds {
		fmt.Fprintf(&b, "- %s\n", m.Label())
	}

	b.WriteString("Risk scores:\n")
	for _, name := range req.Risk.Names() {
		fmt.Fprintf(&b, "- %s: %.2f\n", name, req.Risk.Scores[name])
	}
	if req.Risk.Polypharmacy {
		fmt.Fprintf(&b, "- polypharmacy: %d active medications\n", req.Risk.ActiveMedications)
	}

	if len(req.Adapters) > 0 {
		ids := make([]string, 0, len(req.Adapters))
		for _, a := range req.Adapters {
			ids = append(ids, a.ID())
		}
		fmt.Fprintf(&b, "\nSpecialty adapters: %s\n", strings.Join(ids, ", "))

		rc := ReasoningContext{
			PatientID:  bundle.ID,
			Specialty:  req.Specialty,
			QueryType:  req.QueryType,
			Conditions: conditions,
		}
		for _, a := range req.Adapters {
			if instr := strings.TrimSpace(a.Apply(rc)); instr != "" {
				fmt.Fprintf(&b, "[%s] %s\n", a.ID(), instr)
			}
		}
	}

	if len(req.Evidence) > 0 {
		b.WriteString("\nEvidence:\n")
		for i, e := range req.Evidence {
			if i >= maxPromptCitations {
				break
			}
			fmt.Fprintf(&b, "[%s] %s\n", e.SourceID, strings.TrimSpace(e.Text))
		}
	}

	return b.String()
}
