package entity

import (
	"encoding/json"
	"fmt"

	"github.com/joseph-ayodele/casewatch/constants"
)

// ProgressStage tags the Progress union.
type ProgressStage string

const (
	StageUpload ProgressStage = "upload"
	StageStream ProgressStage = "stream"
	StageRetry  ProgressStage = "retry"
)

// Progress is one incremental update from an extraction run. Only the fields
// belonging to Stage are meaningful:
//
//	upload: Index, Total
//	stream: Received, Total, Done
//	retry:  Attempt, Reason
type Progress struct {
	Stage    ProgressStage         `json:"stage"`
	Index    int                   `json:"index"`
	Total    int                   `json:"total"`
	Received int                   `json:"received"`
	Done     bool                  `json:"done"`
	Attempt  int                   `json:"attempt"`
	Reason   constants.FailureKind `json:"reason"`
}

// ProgressFunc receives progress events. Implementations must not block for long.
type ProgressFunc func(Progress)

func UploadProgress(index, total int) Progress {
	return Progress{Stage: StageUpload, Index: index, Total: total}
}

func StreamProgress(received, total int, done bool) Progress {
	return Progress{Stage: StageStream, Received: received, Total: total, Done: done}
}

func RetryProgress(attempt int, reason constants.FailureKind) Progress {
	return Progress{Stage: StageRetry, Attempt: attempt, Reason: reason}
}

// MarshalJSON writes only the fields of the active stage.
func (p Progress) MarshalJSON() ([]byte, error) {
	switch p.Stage {
	case StageUpload:
		return json.Marshal(struct {
			Stage ProgressStage `json:"stage"`
			Index int           `json:"index"`
			Total int           `json:"total"`
		}{p.Stage, p.Index, p.Total})
	case StageStream:
		return json.Marshal(struct {
			Stage    ProgressStage `json:"stage"`
			Received int           `json:"received"`
			Total    int           `json:"total"`
			Done     bool          `json:"done"`
		}{p.Stage, p.Received, p.Total, p.Done})
	case StageRetry:
		return json.Marshal(struct {
			Stage   ProgressStage         `json:"stage"`
			Attempt int                   `json:"attempt"`
			Reason  constants.FailureKind `json:"reason"`
		}{p.Stage, p.Attempt, p.Reason})
	default:
		return nil, fmt.Errorf("unknown progress stage %q", p.Stage)
	}
}
