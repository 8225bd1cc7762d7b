package catalog

// FormatID is the catalog's audio format code.
type FormatID int

const (
	FormatMP3      FormatID = 5
	FormatCD       FormatID = 6
	FormatHiRes96  FormatID = 7
	FormatHiRes192 FormatID = 27
)

const hiResRateCutoff = 96.0

// SelectFormat picks the highest format the track offers. Sampling rates
// are in kHz.
func SelectFormat(t *Track) FormatID {
	switch {
	case t.MaximumBitDepth == 24 && t.MaximumSamplingRate > hiResRateCutoff:
		return FormatHiRes192
	case t.MaximumBitDepth == 24:
		return FormatHiRes96
	case t.MaximumBitDepth == 16:
		return FormatCD
	default:
		return FormatMP3
	}
}
