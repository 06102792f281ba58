package structured

import "fmt"

// InvalidStructuredOutput reports that the model never produced parseable,
// schema-conformant JSON within the retry allowance. LastRaw carries the
// final raw response so callers can salvage or log it.
type InvalidStructuredOutput struct {
	Attempts int
	LastRaw  string
	Err      error
}

func (e *InvalidStructuredOutput) Error() string {
	return fmt.Sprintf("no valid structured output after %d attempts: %v", e.Attempts, e.Err)
}

func (e *InvalidStructuredOutput) Unwrap() error {
	return e.Err
}

// LowConfidence reports a self-assessed confidence below the caller's
// threshold. Both values are on the 0..1 scale.
type LowConfidence struct {
	Confidence    float64
	MinConfidence float64
	Reasoning     string
}

func (e *LowConfidence) Error() string {
	return fmt.Sprintf("confidence %.2f below required %.2f", e.Confidence, e.MinConfidence)
}
