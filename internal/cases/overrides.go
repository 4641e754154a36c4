package cases

import "github.com/joseph-ayodele/casewatch/internal/entity"

// ApplyOverrides returns the view of raw that readers see. Top-level override
// fields replace the raw ones, vehicle merges field by field and a non-nil
// VIN override replaces the derived VIN. raw is not modified.
func ApplyOverrides(raw *entity.Case) *entity.Case {
	if raw == nil {
		return nil
	}
	out := raw.Clone()

	if o := raw.AnalysisOverrides; !o.Empty() {
		merged := raw.Analysis.Clone()
		if merged == nil {
			merged = &entity.ExtractionResult{}
		}
		if o.ViolationType != nil {
			merged.ViolationType = *o.ViolationType
		}
		if o.Details != nil {
			merged.Details = cloneMap(o.Details)
		}
		if o.Vehicle != nil {
			merged.Vehicle = mergeVehicle(merged.Vehicle, o.Vehicle)
		}
		if o.Images != nil {
			merged.Images = make(map[string]entity.ImageAnalysis, len(o.Images))
			for k, v := range o.Images {
				merged.Images[k] = v.Clone()
			}
		}
		out.Analysis = merged
	}

	if raw.VINOverride != nil {
		vin := *raw.VINOverride
		out.VIN = &vin
	}
	return out
}

func mergeVehicle(v entity.VehicleInfo, o *entity.VehicleOverride) entity.VehicleInfo {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	set(&v.Make, o.Make)
	set(&v.Model, o.Model)
	set(&v.Color, o.Color)
	set(&v.LicensePlateState, o.LicensePlateState)
	set(&v.LicensePlateNumber, o.LicensePlateNumber)
	return v
}

func cloneMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
