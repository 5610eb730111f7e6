// Package dicomweb implements the wire-level pieces of the QIDO-RS/WADO-RS/
// STOW-RS surface that the chi handlers in internal/handlers assemble:
// DICOM-JSON encoding of database rows and the hand-rolled multipart/related
// writer spec.md §6 requires for WADO responses.
package dicomweb

import (
	"encoding/json"
	"io"

	"github.com/otcheredev/spax/internal/repository"
)

func str(v string) map[string]interface{} {
	if v == "" {
		return map[string]interface{}{"vr": "SH", "Value": []interface{}{}}
	}
	return map[string]interface{}{"vr": "SH", "Value": []interface{}{v}}
}

func pn(v string) map[string]interface{} {
	if v == "" {
		return map[string]interface{}{"vr": "PN", "Value": []interface{}{}}
	}
	return map[string]interface{}{"vr": "PN", "Value": []interface{}{map[string]string{"Alphabetic": v}}}
}

func is(v int) map[string]interface{} {
	return map[string]interface{}{"vr": "IS", "Value": []interface{}{v}}
}

// StudyJSON renders one study row as a PS3.18 DICOM-JSON object.
func StudyJSON(row repository.StudyRow) map[string]interface{} {
	return map[string]interface{}{
		"00080020": str(row.StudyDate),
		"00080030": str(row.StudyTime),
		"00080050": str(row.AccessionNumber),
		"00081030": str(row.Description),
		"00080090": pn(row.ReferringPhysician),
		"00100010": pn(row.PatientName),
		"00100020": str(row.PatientPublicID),
		"0020000D": str(row.StudyUID),
		"00201206": is(row.NumSeries),
		"00201208": is(row.NumInstances),
	}
}

// SeriesJSON renders one series row.
func SeriesJSON(seriesUID, modality, description, studyUID string, numInstances int) map[string]interface{} {
	return map[string]interface{}{
		"0020000D": str(studyUID),
		"0020000E": str(seriesUID),
		"00080060": str(modality),
		"0008103E": str(description),
		"00201209": is(numInstances),
	}
}

// InstanceJSON renders one instance row.
func InstanceJSON(studyUID, seriesUID, sopClassUID, sopInstanceUID string, instanceNumber, numFrames int) map[string]interface{} {
	return map[string]interface{}{
		"0020000D": str(studyUID),
		"0020000E": str(seriesUID),
		"00080016": str(sopClassUID),
		"00080018": str(sopInstanceUID),
		"00200013": is(instanceNumber),
		"00280008": is(numFrames),
	}
}

// StreamArray writes docs to w as a JSON array, one element at a time,
// without ever holding the full array in memory — spec.md §4.9's streaming
// requirement for potentially large QIDO result sets.
func StreamArray(w io.Writer, n int, get func(i int) interface{}) error {
	if _, err := w.Write([]byte{'['}); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if i > 0 {
			if _, err := w.Write([]byte{','}); err != nil {
				return err
			}
		}
		raw, err := json.Marshal(get(i))
		if err != nil {
			return err
		}
		if _, err := w.Write(raw); err != nil {
			return err
		}
	}
	_, err := w.Write([]byte{']'})
	return err
}
