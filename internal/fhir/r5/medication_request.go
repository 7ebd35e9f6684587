package r5

import (
	"encoding/json"
	"fmt"
)

// MedicationRequest represents the parts of a FHIR R5 MedicationRequest the
// reminder engine reads: the medication, the patient and the dosing schedule.
type MedicationRequest struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id,omitempty"`

	// Status of the request
	Status string `json:"status"` // active | on-hold | cancelled | completed | entered-in-error | stopped | draft | unknown

	// Intent of the request
	Intent string `json:"intent"`

	// Medication being requested (R5 uses CodeableReference)
	Medication CodeableReference `json:"medication"`

	// Subject (patient) for whom the medication is prescribed
	Subject Reference `json:"subject"`

	// When request was initially authored, as a FHIR dateTime
	AuthoredOn string `json:"authoredOn,omitempty"`

	// Rendered dosage instruction (human-readable sig)
	RenderedDosageInstruction string `json:"renderedDosageInstruction,omitempty"`

	// Dosage instructions
	DosageInstruction []Dosage `json:"dosageInstruction,omitempty"`
}

// Dosage contains dosage instructions for the medication.
type Dosage struct {
	Sequence           int               `json:"sequence,omitempty"`
	Text               string            `json:"text,omitempty"`
	PatientInstruction string            `json:"patientInstruction,omitempty"`
	Timing             *Timing           `json:"timing,omitempty"`
	AsNeeded           bool              `json:"asNeeded,omitempty"`
	AsNeededFor        []CodeableConcept `json:"asNeededFor,omitempty"`
	Route              *CodeableConcept  `json:"route,omitempty"`
	DoseAndRate        []DoseAndRate     `json:"doseAndRate,omitempty"`
}

// DoseAndRate contains dose information.
type DoseAndRate struct {
	Type         *CodeableConcept `json:"type,omitempty"`
	DoseRange    *Range           `json:"doseRange,omitempty"`
	DoseQuantity *Quantity        `json:"doseQuantity,omitempty"`
}

// Timing contains timing information for dosage.
type Timing struct {
	Event  []string         `json:"event,omitempty"`
	Repeat *TimingRepeat    `json:"repeat,omitempty"`
	Code   *CodeableConcept `json:"code,omitempty"`
}

// TimingRepeat contains repeat details for timing.
type TimingRepeat struct {
	BoundsDuration *Duration `json:"boundsDuration,omitempty"`
	BoundsPeriod   *Period   `json:"boundsPeriod,omitempty"`
	Count          int       `json:"count,omitempty"`
	CountMax       int       `json:"countMax,omitempty"`
	Frequency      int       `json:"frequency,omitempty"`
	FrequencyMax   int       `json:"frequencyMax,omitempty"`
	Period         float64   `json:"period,omitempty"`
	PeriodMax      float64   `json:"periodMax,omitempty"`
	PeriodUnit     string    `json:"periodUnit,omitempty"` // s | min | h | d | wk | mo | a
	DayOfWeek      []string  `json:"dayOfWeek,omitempty"`  // mon | tue | wed | thu | fri | sat | sun
	TimeOfDay      []string  `json:"timeOfDay,omitempty"`
	When           []string  `json:"when,omitempty"`
}

// GetPatientID extracts the patient ID from the Subject reference.
func (m *MedicationRequest) GetPatientID() string {
	if m.Subject.Reference != "" {
		return extractIDFromReference(m.Subject.Reference)
	}
	return ""
}

// GetRxNorm extracts the RxNorm CUI from the medication.
func (m *MedicationRequest) GetRxNorm() string {
	if m.Medication.Concept == nil {
		return ""
	}
	for _, coding := range m.Medication.Concept.Coding {
		if coding.System == SystemRxNorm {
			return coding.Code
		}
	}
	return ""
}

// GetMedicationDisplay returns the display name of the medication.
func (m *MedicationRequest) GetMedicationDisplay() string {
	if m.Medication.Concept != nil && m.Medication.Concept.Text != "" {
		return m.Medication.Concept.Text
	}
	if m.Medication.Concept != nil && len(m.Medication.Concept.Coding) > 0 {
		return m.Medication.Concept.Coding[0].Display
	}
	if m.Medication.Reference != nil {
		return m.Medication.Reference.Display
	}
	return ""
}

// GetSigText returns the rendered dosage instruction (sig).
func (m *MedicationRequest) GetSigText() string {
	if m.RenderedDosageInstruction != "" {
		return m.RenderedDosageInstruction
	}
	if len(m.DosageInstruction) > 0 && m.DosageInstruction[0].Text != "" {
		return m.DosageInstruction[0].Text
	}
	return ""
}

// PrimaryDosage returns the dosage with the lowest sequence number.
func (m *MedicationRequest) PrimaryDosage() (*Dosage, error) {
	if len(m.DosageInstruction) == 0 {
		return nil, fmt.Errorf("medication request %s has no dosageInstruction", m.ID)
	}
	best := &m.DosageInstruction[0]
	for i := range m.DosageInstruction[1:] {
		d := &m.DosageInstruction[i+1]
		if d.Sequence < best.Sequence {
			best = d
		}
	}
	return best, nil
}

// FromJSON deserializes a MedicationRequest from JSON.
func (m *MedicationRequest) FromJSON(data []byte) error {
	if err := json.Unmarshal(data, m); err != nil {
		return err
	}
	if m.ResourceType != "" && m.ResourceType != "MedicationRequest" {
		return fmt.Errorf("expected MedicationRequest, got %s", m.ResourceType)
	}
	return nil
}

// extractIDFromReference extracts the ID from a FHIR reference string.
func extractIDFromReference(ref string) string {
	// Handle references like "Patient/123" or "urn:uuid:123"
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == '/' || ref[i] == ':' {
			return ref[i+1:]
		}
	}
	return ref
}
