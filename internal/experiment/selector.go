package experiment

import (
	"unicode/utf16"
)

// bucketCount is the resolution of the traffic split: 10000 buckets map to
// percentages with two decimals.
const bucketCount = 10000

// HashSubject is the 32-bit polynomial rolling hash (h = h*31 + c over UTF-16
// code units, wrapping) of a subject id, returned as its absolute value.
func HashSubject(subjectID string) uint32 {
	var h int32
	for _, c := range utf16.Encode([]rune(subjectID)) {
		h = h*31 + int32(c)
	}
	if h < 0 {
		// -MinInt32 overflows int32 but fits uint32.
		return uint32(-int64(h))
	}
	return uint32(h)
}

// BucketPercentage maps a subject id to a stable value in [0, 100).
func BucketPercentage(subjectID string) float64 {
	return float64(HashSubject(subjectID)%bucketCount) / 100
}

// SelectVariant picks the variant for subjectID by walking split in order and
// returning the first variant whose cumulative percentage exceeds the
// subject's bucket. If rounding leaves the bucket uncovered the first variant
// is returned. An empty split yields "".
func SelectVariant(split []Allocation, subjectID string) string {
	if len(split) == 0 {
		return ""
	}
	point := BucketPercentage(subjectID)

	var cumulative float64
	for _, a := range split {
		cumulative += a.Percentage
		if point < cumulative {
			return a.VariantID
		}
	}
	return split[0].VariantID
}
