package entity

import (
	"time"

	"github.com/joseph-ayodele/casewatch/constants"
)

// GPS is a WGS84 coordinate attached to a photo.
type GPS struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Photo is one piece of evidence on a case.
type Photo struct {
	URL      string     `json:"url"`
	Filename string     `json:"filename"`
	TakenAt  *time.Time `json:"takenAt,omitempty"`
	GPS      *GPS       `json:"gps,omitempty"`
}

// Case is the persisted record for one reported violation. Analysis holds the
// raw model output; AnalysisOverrides and VINOverride are user corrections
// layered on top at read time.
type Case struct {
	ID                string                   `json:"id"`
	Photos            []Photo                  `json:"photos"`
	Analysis          *ExtractionResult        `json:"analysis"`
	AnalysisOverrides *AnalysisOverride        `json:"analysisOverrides"`
	AnalysisStatus    constants.AnalysisStatus `json:"analysisStatus"`
	AnalysisError     *constants.FailureKind   `json:"analysisError"`
	AnalysisProgress  *Progress                `json:"analysisProgress"`
	VIN               *string                  `json:"vin"`
	VINOverride       *string                  `json:"vinOverride"`
	CreatedAt         time.Time                `json:"createdAt"`
	UpdatedAt         time.Time                `json:"updatedAt"`
}

// Photo returns the photo with the given filename.
func (c *Case) Photo(filename string) (Photo, bool) {
	for _, p := range c.Photos {
		if p.Filename == filename {
			return p, true
		}
	}
	return Photo{}, false
}

// Clone returns a deep copy so callers can never alias stored state.
func (c *Case) Clone() *Case {
	if c == nil {
		return nil
	}
	out := *c
	if c.Photos != nil {
		out.Photos = make([]Photo, len(c.Photos))
		for i, p := range c.Photos {
			cp := p
			if p.TakenAt != nil {
				t := *p.TakenAt
				cp.TakenAt = &t
			}
			if p.GPS != nil {
				g := *p.GPS
				cp.GPS = &g
			}
			out.Photos[i] = cp
		}
	}
	out.Analysis = c.Analysis.Clone()
	out.AnalysisOverrides = c.AnalysisOverrides.Clone()
	if c.AnalysisError != nil {
		k := *c.AnalysisError
		out.AnalysisError = &k
	}
	if c.AnalysisProgress != nil {
		p := *c.AnalysisProgress
		out.AnalysisProgress = &p
	}
	out.VIN = cloneString(c.VIN)
	out.VINOverride = cloneString(c.VINOverride)
	return &out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}
