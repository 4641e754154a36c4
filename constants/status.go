package constants

// AnalysisStatus is the lifecycle state of a case analysis.
type AnalysisStatus string

// Stable values (persisted inside the case document).
const (
	AnalysisPending  AnalysisStatus = "pending"  // waiting for (or running) an analysis job
	AnalysisComplete AnalysisStatus = "complete" // raw analysis written
	AnalysisFailed   AnalysisStatus = "failed"   // terminal failure, see AnalysisError
	AnalysisCanceled AnalysisStatus = "canceled" // model call aborted before finishing
)

// FailureKind classifies a terminal extraction failure.
type FailureKind string

const (
	FailureTruncated FailureKind = "truncated" // model hit the token limit
	FailureParse     FailureKind = "parse"     // response was not JSON
	FailureSchema    FailureKind = "schema"    // JSON did not match the schema
	FailureNoImages  FailureKind = "no-images" // nothing to analyze, never sent
)

// Job kinds understood by the scheduler.
const (
	JobAnalyzeCase      = "analyzeCase"
	JobAnalyzePhoto     = "analyzePhoto"
	JobExtractPaperwork = "extractPaperwork"
)

// MaxExtractionAttempts bounds the corrective retry loop.
const MaxExtractionAttempts = 3
