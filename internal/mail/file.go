package mail

import (
	"encoding/json"
	"fmt"
	"os"

	"mailrlm/internal/models"
)

// savedCorpus is the JSON envelope written by the bulk-read tooling.
type savedCorpus struct {
	Status      string               `json:"status"`
	Query       string               `json:"query"`
	ResultCount int                  `json:"result_count"`
	Messages    []models.EmailRecord `json:"messages"`
	Metadata    struct {
		Format models.FormatLevel `json:"format"`
	} `json:"metadata"`
}

// LoadFile reads a saved corpus envelope from disk. The envelope must carry
// status "success".
func LoadFile(path string) (*models.Corpus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &SourceError{Op: "load file", Err: err}
	}

	var saved savedCorpus
	if err := json.Unmarshal(data, &saved); err != nil {
		return nil, &SourceError{Op: "load file", Err: err}
	}
	if saved.Status != "success" {
		return nil, &SourceError{Op: "load file", Err: fmt.Errorf("invalid email file: status=%q", saved.Status)}
	}

	query := saved.Query
	if query == "" {
		query = "loaded_from_file"
	}
	format := saved.Metadata.Format
	if format == "" {
		format = "unknown"
	}

	corpus := models.NewCorpus(saved.Messages, models.CorpusMetadata{
		Query:      query,
		Format:     format,
		SourceFile: path,
	})
	return corpus, nil
}
