package dicomio

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/otcheredev/spax/internal/spaxerr"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Metadata is the projection of one DICOM file's header that the ingest
// pipeline needs: identifying UIDs plus the attribute set the path resolver
// evaluates its template against (pathtemplate.Attributes).
type Metadata struct {
	PatientID     string
	PatientName   string
	PatientBirth  string
	PatientSex    string
	Provisional   bool

	StudyInstanceUID   string
	StudyDate          string
	StudyTime          string
	StudyDescription   string
	AccessionNumber    string
	ReferringPhysician string

	SeriesInstanceUID string
	Modality          string
	SeriesNumber      string
	SeriesDescription string
	BodyPartExamined  string
	InstitutionName   string
	StationName       string

	SOPInstanceUID    string
	SOPClassUID       string
	InstanceNumber    int
	NumberOfFrames    int
	TransferSyntaxUID string

	Rows                int
	Columns             int
	BitsAllocated       int
	SamplesPerPixel     int
	PlanarConfiguration int

	attrs map[string]string
}

// TagValue implements pathtemplate.Attributes.
func (m *Metadata) TagValue(tagHex string) (string, bool) {
	v, ok := m.attrs[strings.ToUpper(tagHex)]
	return v, ok
}

// PatientPublicID is SHA1(raw patient id), hex-encoded, per spec.md §3.
func (m *Metadata) PatientPublicID() string {
	return PatientPublicIDFor(m.PatientID)
}

// StudyPublicID is SHA1(raw patient id || "|" || study UID), per spec.md §3.
func (m *Metadata) StudyPublicID() string {
	return StudyPublicIDFor(m.PatientID, m.StudyInstanceUID)
}

// PatientPublicIDFor computes the same public_id hash ParseHeader derives
// from a file's PatientID element, exported so patient-id correction can
// recompute it from a corrected raw id without re-parsing a file.
func PatientPublicIDFor(rawPatientID string) string {
	sum := sha1.Sum([]byte(rawPatientID))
	return hex.EncodeToString(sum[:])
}

// StudyPublicIDFor computes the same study public_id hash ParseHeader
// derives, exported for the same reason as PatientPublicIDFor.
func StudyPublicIDFor(rawPatientID, studyUID string) string {
	sum := sha1.Sum([]byte(rawPatientID + "|" + studyUID))
	return hex.EncodeToString(sum[:])
}

// ParseHeader reads the DICOM preamble and dataset, skipping pixel data,
// and returns the metadata projection spec.md §4.4 requires. Missing
// mandatory UIDs (SOP, study, series) fail with spaxerr.KindInvalidDICOM.
// A missing patient id is synthesised as NOPID_{studyUid[0..16]} and
// flagged provisional; a missing modality defaults to "OT".
func ParseHeader(r io.Reader, size int64) (*Metadata, error) {
	dataset, err := dicom.Parse(r, size, nil, dicom.SkipPixelData())
	if err != nil {
		return nil, spaxerr.Wrap(spaxerr.KindInvalidDICOM, "parsing dataset", err)
	}

	m := &Metadata{attrs: make(map[string]string, len(dataset.Elements))}
	for _, el := range dataset.Elements {
		t := Tag{Group: el.Tag.Group, Element: el.Tag.Element}
		m.attrs[t.String()] = elementString(el)
	}

	m.PatientID = trimDICOMString(strValue(dataset, tag.PatientID))
	m.PatientName = trimDICOMString(strValue(dataset, tag.PatientName))
	m.PatientBirth = trimDICOMString(strValue(dataset, tag.PatientBirthDate))
	m.PatientSex = trimDICOMString(strValue(dataset, tag.PatientSex))

	m.StudyInstanceUID = trimDICOMString(strValue(dataset, tag.StudyInstanceUID))
	m.StudyDate = trimDICOMString(strValue(dataset, tag.StudyDate))
	m.StudyTime = trimDICOMString(strValue(dataset, tag.StudyTime))
	m.StudyDescription = trimDICOMString(strValue(dataset, tag.StudyDescription))
	m.AccessionNumber = trimDICOMString(strValue(dataset, tag.AccessionNumber))
	m.ReferringPhysician = trimDICOMString(strValue(dataset, tag.ReferringPhysicianName))

	m.SeriesInstanceUID = trimDICOMString(strValue(dataset, tag.SeriesInstanceUID))
	m.Modality = trimDICOMString(strValue(dataset, tag.Modality))
	m.SeriesNumber = trimDICOMString(strValue(dataset, tag.SeriesNumber))
	m.SeriesDescription = trimDICOMString(strValue(dataset, tag.SeriesDescription))
	m.BodyPartExamined = trimDICOMString(strValue(dataset, tag.BodyPartExamined))
	m.InstitutionName = trimDICOMString(strValue(dataset, tag.InstitutionName))
	m.StationName = trimDICOMString(strValue(dataset, tag.StationName))

	m.SOPInstanceUID = trimDICOMString(strValue(dataset, tag.SOPInstanceUID))
	m.SOPClassUID = trimDICOMString(strValue(dataset, tag.SOPClassUID))
	m.TransferSyntaxUID = trimDICOMString(strValue(dataset, tag.TransferSyntaxUID))
	m.InstanceNumber = intValue(dataset, tag.InstanceNumber)
	m.NumberOfFrames = intValue(dataset, tag.NumberOfFrames)
	if m.NumberOfFrames <= 0 {
		m.NumberOfFrames = 1
	}

	m.Rows = intValue(dataset, tag.Rows)
	m.Columns = intValue(dataset, tag.Columns)
	m.BitsAllocated = intValue(dataset, tag.BitsAllocated)
	m.SamplesPerPixel = intValue(dataset, tag.SamplesPerPixel)
	m.PlanarConfiguration = intValue(dataset, tag.PlanarConfiguration)

	if m.SOPInstanceUID == "" {
		return nil, spaxerr.New(spaxerr.KindInvalidDICOM, "missing SOPInstanceUID")
	}
	if m.StudyInstanceUID == "" {
		return nil, spaxerr.New(spaxerr.KindInvalidDICOM, "missing StudyInstanceUID")
	}
	if m.SeriesInstanceUID == "" {
		return nil, spaxerr.New(spaxerr.KindInvalidDICOM, "missing SeriesInstanceUID")
	}

	if m.PatientID == "" {
		suffix := m.StudyInstanceUID
		if len(suffix) > 16 {
			suffix = suffix[:16]
		}
		m.PatientID = "NOPID_" + suffix
		m.Provisional = true
	}
	if m.Modality == "" {
		m.Modality = "OT"
	}

	return m, nil
}

func strValue(ds dicom.Dataset, t tag.Tag) string {
	el, err := ds.FindElementByTag(t)
	if err != nil || el == nil || el.Value == nil {
		return ""
	}
	return elementString(el)
}

func intValue(ds dicom.Dataset, t tag.Tag) int {
	s := strValue(ds, t)
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}

// elementString renders an element's value as a single string for the
// path-template attribute set, matching how DICOM-JSON flattens multi-
// valued elements (backslash-joined). PN values arrive as plain strings and
// are joined the same way.
func elementString(el *dicom.Element) string {
	raw := el.Value.GetValue()
	switch v := raw.(type) {
	case []string:
		return strings.Join(v, "\\")
	case []int:
		parts := make([]string, len(v))
		for i, n := range v {
			parts[i] = strconv.Itoa(n)
		}
		return strings.Join(parts, "\\")
	case []int16:
		parts := make([]string, len(v))
		for i, n := range v {
			parts[i] = strconv.Itoa(int(n))
		}
		return strings.Join(parts, "\\")
	case []float64:
		parts := make([]string, len(v))
		for i, n := range v {
			parts[i] = strconv.FormatFloat(n, 'g', -1, 64)
		}
		return strings.Join(parts, "\\")
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", raw)
	}
}
