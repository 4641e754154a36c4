package entity

// ExtractionResult is the validated structured output of a violation analysis.
type ExtractionResult struct {
	ViolationType string                   `json:"violationType"`
	Details       map[string]string        `json:"details"` // language -> text
	Vehicle       VehicleInfo              `json:"vehicle"`
	Images        map[string]ImageAnalysis `json:"images"` // keyed by photo filename
}

// VehicleInfo describes the offending vehicle. Every field is optional.
type VehicleInfo struct {
	Make               string `json:"make,omitempty"`
	Model              string `json:"model,omitempty"`
	Color              string `json:"color,omitempty"`
	LicensePlateState  string `json:"licensePlateState,omitempty"`
	LicensePlateNumber string `json:"licensePlateNumber,omitempty"`
}

// ImageAnalysis is the per-photo annotation produced by the model.
type ImageAnalysis struct {
	RepresentationScore float64        `json:"representationScore"` // [0,1]
	Violation           *bool          `json:"violation,omitempty"`
	Paperwork           *bool          `json:"paperwork,omitempty"`
	PaperworkText       *string        `json:"paperworkText,omitempty"`
	PaperworkInfo       *PaperworkInfo `json:"paperworkInfo,omitempty"`
}

// PaperworkInfo holds fields read off a registration or ownership document.
type PaperworkInfo struct {
	VIN                string `json:"vin,omitempty"`
	LicensePlateNumber string `json:"licensePlateNumber,omitempty"`
	LicensePlateState  string `json:"licensePlateState,omitempty"`
	Make               string `json:"make,omitempty"`
	Model              string `json:"model,omitempty"`
	RegistrantName     string `json:"registrantName,omitempty"`
}

// PaperworkResult is the output of a paperwork OCR pass over one photo.
type PaperworkResult struct {
	Text string        `json:"text"`
	Info PaperworkInfo `json:"info"`
}

// AnalysisOverride is a partial ExtractionResult. A nil field means "keep the
// raw value"; Vehicle merges field by field.
type AnalysisOverride struct {
	ViolationType *string                  `json:"violationType,omitempty"`
	Details       map[string]string        `json:"details,omitempty"`
	Vehicle       *VehicleOverride         `json:"vehicle,omitempty"`
	Images        map[string]ImageAnalysis `json:"images,omitempty"`
}

// VehicleOverride is a partial VehicleInfo.
type VehicleOverride struct {
	Make               *string `json:"make,omitempty"`
	Model              *string `json:"model,omitempty"`
	Color              *string `json:"color,omitempty"`
	LicensePlateState  *string `json:"licensePlateState,omitempty"`
	LicensePlateNumber *string `json:"licensePlateNumber,omitempty"`
}

// Empty reports whether the override carries no corrections at all.
func (o *AnalysisOverride) Empty() bool {
	return o == nil || (o.ViolationType == nil && o.Details == nil && o.Vehicle == nil && o.Images == nil)
}

// Compact drops empty maps and an all-nil vehicle so an override reads the
// same from every repository, and returns nil when nothing is left.
func (o *AnalysisOverride) Compact() *AnalysisOverride {
	if o == nil {
		return nil
	}
	if len(o.Details) == 0 {
		o.Details = nil
	}
	if len(o.Images) == 0 {
		o.Images = nil
	}
	if v := o.Vehicle; v != nil && v.Make == nil && v.Model == nil && v.Color == nil &&
		v.LicensePlateState == nil && v.LicensePlateNumber == nil {
		o.Vehicle = nil
	}
	if o.Empty() {
		return nil
	}
	return o
}

func (r *ExtractionResult) Clone() *ExtractionResult {
	if r == nil {
		return nil
	}
	out := *r
	out.Details = cloneDetails(r.Details)
	out.Images = cloneImages(r.Images)
	return &out
}

func (o *AnalysisOverride) Clone() *AnalysisOverride {
	if o == nil {
		return nil
	}
	out := AnalysisOverride{
		ViolationType: cloneString(o.ViolationType),
		Details:       cloneDetails(o.Details),
		Images:        cloneImages(o.Images),
	}
	if o.Vehicle != nil {
		out.Vehicle = &VehicleOverride{
			Make:               cloneString(o.Vehicle.Make),
			Model:              cloneString(o.Vehicle.Model),
			Color:              cloneString(o.Vehicle.Color),
			LicensePlateState:  cloneString(o.Vehicle.LicensePlateState),
			LicensePlateNumber: cloneString(o.Vehicle.LicensePlateNumber),
		}
	}
	return &out
}

func (a ImageAnalysis) Clone() ImageAnalysis {
	out := a
	out.Violation = cloneBool(a.Violation)
	out.Paperwork = cloneBool(a.Paperwork)
	out.PaperworkText = cloneString(a.PaperworkText)
	if a.PaperworkInfo != nil {
		info := *a.PaperworkInfo
		out.PaperworkInfo = &info
	}
	return out
}

func cloneDetails(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneImages(m map[string]ImageAnalysis) map[string]ImageAnalysis {
	if m == nil {
		return nil
	}
	out := make(map[string]ImageAnalysis, len(m))
	for k, v := range m {
		out[k] = v.Clone()
	}
	return out
}
