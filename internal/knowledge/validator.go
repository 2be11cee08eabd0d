package knowledge

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/trimodal-rag/backend/internal/models"
)

// ErrIncoherent rejects an extraction that must not reach the graph.
var ErrIncoherent = errors.New("incoherent extraction")

// Report lists every problem found in one extraction.
type Report struct {
	DocumentID  string   `json:"document_id"`
	FieldErrors []string `json:"field_errors,omitempty"`
	// Dangling names relationship endpoints that are not entities of the
	// same extraction.
	Dangling []string `json:"dangling,omitempty"`
}

func (r *Report) Valid() bool {
	return len(r.FieldErrors) == 0 && len(r.Dangling) == 0
}

type Validator struct {
	validate *validator.Validate
}

func NewValidator() *Validator {
	return &Validator{validate: validator.New()}
}

// Validate checks field bounds and referential integrity. An invalid
// extraction returns its report together with an error wrapping
// ErrIncoherent.
func (v *Validator) Validate(ext *models.KnowledgeExtraction) (*Report, error) {
	if ext == nil {
		return nil, fmt.Errorf("%w: nil extraction", ErrIncoherent)
	}
	report := &Report{DocumentID: ext.DocumentID}

	if err := v.validate.Struct(ext); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return nil, fmt.Errorf("failed to validate extraction: %w", err)
		}
		for _, fe := range verrs {
			report.FieldErrors = append(report.FieldErrors, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}

	entities := make(map[string]struct{}, len(ext.Entities))
	for _, e := range ext.Entities {
		entities[e.Text] = struct{}{}
	}
	dangling := map[string]struct{}{}
	for _, r := range ext.Relationships {
		for _, end := range []string{r.Subject, r.Object} {
			if _, ok := entities[end]; !ok {
				dangling[end] = struct{}{}
			}
		}
	}
	for name := range dangling {
		report.Dangling = append(report.Dangling, name)
	}
	sort.Strings(report.Dangling)

	if !report.Valid() {
		var parts []string
		parts = append(parts, report.FieldErrors...)
		if len(report.Dangling) > 0 {
			parts = append(parts, "unknown relationship endpoints: "+strings.Join(report.Dangling, ", "))
		}
		return report, fmt.Errorf("%w %s: %s", ErrIncoherent, ext.DocumentID, strings.Join(parts, "; "))
	}
	return report, nil
}
