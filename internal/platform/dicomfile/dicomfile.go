// Package dicomfile wraps the DICOM parser behind the small surface the
// study reconciler needs: identifying tags with graceful fallbacks when a
// tag is absent or malformed. A missing tag is never a hard failure.
package dicomfile

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Meta captures the identifying header info the pipeline cares about.
type Meta struct {
	PatientName       string
	PatientID         string
	StudyInstanceUID  string
	SeriesInstanceUID string
	StudyDate         string
	StudyTime         string
	StudyDescription  string
	SeriesDescription string
	Modality          string
	SeriesNumber      int
	InstanceNumber    int
	Rows              int
	Columns           int
}

// Reader parses DICOM headers from files on disk.
type Reader struct{}

func NewReader() *Reader { return &Reader{} }

// Meta parses the file at path, skipping pixel data, and extracts the
// identifying tags. Absent tags yield zero values.
func (r *Reader) Meta(path string) (*Meta, error) {
	ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	m := &Meta{
		PatientName:       stringByTag(&ds, tag.PatientName),
		PatientID:         stringByTag(&ds, tag.PatientID),
		StudyInstanceUID:  stringByTag(&ds, tag.StudyInstanceUID),
		SeriesInstanceUID: stringByTag(&ds, tag.SeriesInstanceUID),
		StudyDate:         stringByTag(&ds, tag.StudyDate),
		StudyTime:         stringByTag(&ds, tag.StudyTime),
		StudyDescription:  stringByTag(&ds, tag.StudyDescription),
		SeriesDescription: stringByTag(&ds, tag.SeriesDescription),
		Modality:          stringByTag(&ds, tag.Modality),
		SeriesNumber:      intByTag(&ds, tag.SeriesNumber),
		InstanceNumber:    intByTag(&ds, tag.InstanceNumber),
		Rows:              intByTag(&ds, tag.Rows),
		Columns:           intByTag(&ds, tag.Columns),
	}
	return m, nil
}

// stringByTag extracts the first string value for the given tag, or "" when
// the tag is absent or holds no string value.
func stringByTag(ds *dicom.Dataset, t tag.Tag) string {
	el, err := ds.FindElementByTag(t)
	if err != nil || el == nil {
		return ""
	}
	vals, ok := el.Value.GetValue().([]string)
	if !ok || len(vals) == 0 {
		return ""
	}
	return strings.TrimSpace(vals[0])
}

// intByTag extracts the first integer value for the given tag. IS-valued
// elements arrive as strings, US/UL-valued ones as ints; both are handled.
func intByTag(ds *dicom.Dataset, t tag.Tag) int {
	el, err := ds.FindElementByTag(t)
	if err != nil || el == nil {
		return 0
	}
	switch vals := el.Value.GetValue().(type) {
	case []int:
		if len(vals) > 0 {
			return vals[0]
		}
	case []string:
		if len(vals) > 0 {
			n, err := strconv.Atoi(strings.TrimSpace(vals[0]))
			if err == nil {
				return n
			}
		}
	}
	return 0
}

// IsCandidateName reports whether a file name looks like a DICOM object:
// a .dcm/.dicom extension, or no extension at all (many PACS exports omit
// extensions). Everything else is skipped without error.
func IsCandidateName(name string) bool {
	lower := strings.ToLower(name)
	if strings.HasSuffix(lower, ".dcm") || strings.HasSuffix(lower, ".dicom") {
		return true
	}
	base := lower
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	return !strings.Contains(base, ".")
}
