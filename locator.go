package ohifcache

import (
	"crypto/sha1" //nolint:gosec // identifier scheme fixed by Orthanc, not used for security
	"encoding/hex"
	"strings"
)

// locatorPrefix and locatorSuffix wrap an instance identifier into the url the
// OHIF "dicom-json" data source resolves against the Orthanc DICOMweb root.
const (
	locatorPrefix = "dicomweb:../instances/"
	locatorSuffix = "/file"
)

// InstanceHash returns the Orthanc identifier of an instance, derived from its
// patient, study, series and SOP instance identifiers.
//
// The identifier is the SHA-1 of "patient|study|series|sop" rendered as five
// groups of eight hex digits separated by dashes.
func InstanceHash(patientID, studyUID, seriesUID, sopUID string) string {
	sum := sha1.Sum([]byte(patientID + "|" + studyUID + "|" + seriesUID + "|" + sopUID)) //nolint:gosec
	digest := hex.EncodeToString(sum[:])

	var b strings.Builder
	b.Grow(len(digest) + 4)
	for i := 0; i < len(digest); i += 8 {
		if i > 0 {
			b.WriteByte('-')
		}
		b.WriteString(digest[i : i+8])
	}
	return b.String()
}

// InstanceLocator returns the url under which the viewer fetches the
// instance identified by hash.
func InstanceLocator(hash string) string {
	return locatorPrefix + hash + locatorSuffix
}
