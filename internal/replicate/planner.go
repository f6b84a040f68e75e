// Package replicate implements the replication task engine: the range
// planner, the retry runner, the per-entry task state machine, and outcome
// publication.
package replicate

import "math/bits"

// Destination families. The family selects multipart part constraints and
// identifier format.
const (
	FamilyGeneric = "generic"
	FamilyGCP     = "gcp"
	FamilyAzure   = "azure"
)

const (
	// basePartSize is the starting multipart part size.
	basePartSize = 16 * 1024 * 1024
	// maxDoublePartSize caps the first doubling pass at 512 MiB, keeping
	// part counts in [2, 1000] for objects up to ~512 GiB.
	maxDoublePartSize = 512 * 1024 * 1024
	// maxParts is the generic multipart part-count limit.
	maxParts = 10000
	// maxPartsGCP is the compose-based part-count limit on GCP.
	maxPartsGCP = 1024
)

// Range is an inclusive byte range of the source object. A nil *Range
// represents the whole of a zero-byte object: the destination still
// receives one zero-length part so the object exists there.
type Range struct {
	Start int64
	End   int64
}

// Size returns the number of bytes the range covers.
func (r *Range) Size() int64 {
	if r == nil {
		return 0
	}
	return r.End - r.Start + 1
}

// PartSize returns the multipart part size for an object of the given
// content length on the given destination family.
func PartSize(contentLength int64, family string) int64 {
	size := int64(basePartSize)
	for contentLength/size > 1000 && size < maxDoublePartSize {
		size *= 2
	}
	// Objects beyond ~512 GiB need larger parts to stay within the
	// 10000-part limit, up to the 5 TiB object cap.
	for contentLength/size > maxParts {
		size *= 2
	}
	if family == FamilyGCP && contentLength/size > maxPartsGCP {
		size = ceilDiv(nextPowerOfTwo(contentLength), maxPartsGCP)
	}
	return size
}

// Plan computes the ordered part ranges for an object of the given content
// length on the given destination family. The ranges exactly tile
// [0, contentLength-1]; the last range may be shorter. A zero-length object
// yields a single nil range.
func Plan(contentLength int64, family string) []*Range {
	if contentLength == 0 {
		return []*Range{nil}
	}

	size := PartSize(contentLength, family)
	ranges := make([]*Range, 0, contentLength/size+1)
	for start := int64(0); start < contentLength; start += size {
		end := start + size - 1
		if end > contentLength-1 {
			end = contentLength - 1
		}
		ranges = append(ranges, &Range{Start: start, End: end})
	}
	return ranges
}

// nextPowerOfTwo returns the smallest power of two >= n.
func nextPowerOfTwo(n int64) int64 {
	if n <= 1 {
		return 1
	}
	return int64(1) << uint(64-bits.LeadingZeros64(uint64(n-1)))
}

// ceilDiv returns ceil(a/b) for positive a, b.
func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}
