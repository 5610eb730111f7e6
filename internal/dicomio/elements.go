package dicomio

import (
	"fmt"
	"io"
	"strconv"

	"github.com/otcheredev/spax/internal/spaxerr"
	"github.com/suyashkumar/dicom"
)

// ElementsAsDICOMJSON parses a DICOM stream (pixel data skipped — WADO-RS
// metadata responses reference bulk data by URI rather than inlining it)
// and renders every element as a PS3.18 DICOM-JSON object keyed by tag hex,
// e.g. {"00100010": {"vr": "PN", "Value": [{"Alphabetic": "Doe^John"}]}}.
func ElementsAsDICOMJSON(r io.Reader, size int64) (map[string]interface{}, error) {
	dataset, err := dicom.Parse(r, size, nil, dicom.SkipPixelData())
	if err != nil {
		return nil, spaxerr.Wrap(spaxerr.KindInvalidDICOM, "parsing dataset", err)
	}

	out := make(map[string]interface{}, len(dataset.Elements))
	for _, el := range dataset.Elements {
		t := Tag{Group: el.Tag.Group, Element: el.Tag.Element}
		out[t.String()] = map[string]interface{}{
			"vr":    el.RawValueRepresentation,
			"Value": jsonValue(el),
		}
	}
	return out, nil
}

func jsonValue(el *dicom.Element) []interface{} {
	raw := el.Value.GetValue()
	switch v := raw.(type) {
	case []string:
		out := make([]interface{}, len(v))
		for i, s := range v {
			if el.RawValueRepresentation == "PN" {
				out[i] = map[string]string{"Alphabetic": s}
				continue
			}
			out[i] = s
		}
		return out
	case []int:
		out := make([]interface{}, len(v))
		for i, n := range v {
			out[i] = n
		}
		return out
	case []int16:
		out := make([]interface{}, len(v))
		for i, n := range v {
			out[i] = int(n)
		}
		return out
	case []float64:
		out := make([]interface{}, len(v))
		for i, n := range v {
			out[i] = n
		}
		return out
	case string:
		return []interface{}{v}
	case fmt.Stringer:
		return []interface{}{v.String()}
	default:
		return []interface{}{fmt.Sprintf("%v", raw)}
	}
}

// FloatOrString renders a numeric string element either as a JSON number or
// leaves it as a string when parsing fails, used by handlers converting
// query parameters into DICOM-JSON literal values.
func FloatOrString(s string) interface{} {
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n
	}
	return s
}
