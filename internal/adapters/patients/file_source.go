package patients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/entities"
	"github.com/zatekoja/clinicalanalysis/backend/internal/domain/providers"
	apperrors "github.com/zatekoja/clinicalanalysis/backend/pkg/errors"
)

var patientIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// FileSource reads normalized bundles stored as <dir>/<patient id>.json
type FileSource struct {
	dir string
}

var _ providers.PatientSource = (*FileSource)(nil)

// NewFileSource creates a file-backed patient source
func NewFileSource(dir string) *FileSource {
	return &FileSource{dir: dir}
}

// GetBundle loads and decodes a bundle. The file's id wins over an empty id field.
func (s *FileSource) GetBundle(ctx context.Context, patientID string) (*entities.PatientBundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !patientIDPattern.MatchString(patientID) || patientID == "." || patientID == ".." {
		return nil, apperrors.NewValidationError(fmt.Sprintf("invalid patient id %q", patientID))
	}

	data, err := os.ReadFile(filepath.Join(s.dir, patientID+".json"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperrors.NewNotFoundError(fmt.Sprintf("patient %s not found", patientID))
		}
		return nil, apperrors.NewDataUnavailableError(fmt.Sprintf("patient %s: failed to read bundle: %v", patientID, err))
	}

	var bundle entities.PatientBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, apperrors.NewDataUnavailableError(fmt.Sprintf("patient %s: malformed bundle: %v", patientID, err))
	}
	if bundle.ID == "" {
		bundle.ID = patientID
	}
	if bundle.ID != patientID {
		return nil, apperrors.NewDataUnavailableError(fmt.Sprintf("patient %s: bundle id %s does not match", patientID, bundle.ID))
	}
	return &bundle, nil
}
