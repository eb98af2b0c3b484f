package filetype

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/rs/zerolog/log"

	"github.com/local/printcheckout/internal/apperr"
)

const pdfMIME = "application/pdf"

// FileTypeInfo contains detected file type information
type FileTypeInfo struct {
	MIMEType    string
	Extension   string
	Supported   bool
	Description string
	// PageCount is filled in by Validate for documents pdfcpu could read.
	PageCount int
}

// Detector handles file type detection using magic bytes
type Detector struct {
	conf *model.Configuration
}

// New creates a new file type detector
func New() *Detector {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &Detector{conf: conf}
}

// Detect detects the actual file type using magic bytes, not filename
func (d *Detector) Detect(filePath string) (*FileTypeInfo, error) {
	mtype, err := mimetype.DetectFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to detect file type: %w", err)
	}

	info := &FileTypeInfo{
		MIMEType:  mtype.String(),
		Extension: mtype.Extension(),
	}
	log.Debug().Str("mime", info.MIMEType).Str("ext", info.Extension).Str("file", filepath.Base(filePath)).Msg("detected file type")

	switch {
	case mtype.Is(pdfMIME):
		info.Supported = true
		info.Description = "PDF document"
	default:
		info.Description = fmt.Sprintf("Unsupported file type: %s", info.MIMEType)
	}
	return info, nil
}

// Validate rejects uploads that are not readable PDF documents. The returned
// info carries pdfcpu's page count.
func (d *Detector) Validate(filePath string) (*FileTypeInfo, error) {
	info, err := d.Detect(filePath)
	if err != nil {
		return nil, err
	}
	if !info.Supported {
		return info, apperr.Invalid("file", strings.ToLower(info.Description))
	}

	if err := api.ValidateFile(filePath, d.conf); err != nil {
		log.Warn().Err(err).Str("file", filepath.Base(filePath)).Msg("pdf validation failed")
		return info, apperr.Invalid("file", "not a readable PDF document")
	}
	n, err := api.PageCountFile(filePath)
	if err != nil {
		return info, apperr.Invalid("file", "cannot count pages")
	}
	if n < 1 {
		return info, apperr.Invalid("file", "document has no pages")
	}
	info.PageCount = n
	return info, nil
}
