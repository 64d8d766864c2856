package nfc

// TagFamily identifies the chip family of a detected tag.
type TagFamily int

const (
	FamilyUnknown TagFamily = iota
	FamilyClassic1K
	FamilyClassic4K
	FamilyMini
	FamilyPlus2K
	FamilyPlus4K
	FamilyUltralight
	FamilyUltralightC
	FamilyNTAG213
	FamilyNTAG215
	FamilyNTAG216
	FamilyDESFire
	FamilyFeliCa212
	FamilyFeliCa424
	FamilyTopaz
	FamilyJCOP30
	FamilyJCOP40
)

func (f TagFamily) String() string {
	switch f {
	case FamilyClassic1K:
		return "MIFARE Classic 1K"
	case FamilyClassic4K:
		return "MIFARE Classic 4K"
	case FamilyMini:
		return "MIFARE Mini"
	case FamilyPlus2K:
		return "MIFARE Plus 2K"
	case FamilyPlus4K:
		return "MIFARE Plus 4K"
	case FamilyUltralight:
		return "MIFARE Ultralight"
	case FamilyUltralightC:
		return "MIFARE Ultralight C"
	case FamilyNTAG213:
		return "NTAG213"
	case FamilyNTAG215:
		return "NTAG215"
	case FamilyNTAG216:
		return "NTAG216"
	case FamilyDESFire:
		return "MIFARE DESFire"
	case FamilyFeliCa212:
		return "FeliCa 212K"
	case FamilyFeliCa424:
		return "FeliCa 424K"
	case FamilyTopaz:
		return "Topaz/Jewel"
	case FamilyJCOP30:
		return "JCOP 30"
	case FamilyJCOP40:
		return "JCOP 40"
	default:
		return "Unknown"
	}
}

// TagStandard is the coarse ISO classification of a tag, derived from the
// same identity bytes as the family but independently of it.
type TagStandard int

const (
	StandardUnknown TagStandard = iota
	StandardISO14443Part3
	StandardISO14443Part4
	StandardFeliCa
)

func (s TagStandard) String() string {
	switch s {
	case StandardISO14443Part3:
		return "ISO 14443-3"
	case StandardISO14443Part4:
		return "ISO 14443-4"
	case StandardFeliCa:
		return "FeliCa"
	default:
		return "Unknown"
	}
}

// PageSize is the number of bytes in one data page.
const PageSize = 4

// DataPageRange describes the user-data pages of a tag family. Families with
// no entry in the table do not support data reading.
type DataPageRange struct {
	Start byte
	Count byte
}

var dataPageRanges = map[TagFamily]DataPageRange{
	FamilyUltralight:  {Start: 4, Count: 12},
	FamilyUltralightC: {Start: 4, Count: 36},
	FamilyNTAG213:     {Start: 4, Count: 36},
	FamilyNTAG215:     {Start: 4, Count: 126},
	FamilyNTAG216:     {Start: 4, Count: 222},
}

// DataPageRangeFor returns the readable page range for a family, if any.
func DataPageRangeFor(f TagFamily) (DataPageRange, bool) {
	r, ok := dataPageRanges[f]
	return r, ok
}

// fastReadFamilies lists the families whose chip supports the proprietary
// bulk multi-page read.
var fastReadFamilies = map[TagFamily]bool{
	FamilyUltralightC: true,
	FamilyNTAG213:     true,
	FamilyNTAG215:     true,
	FamilyNTAG216:     true,
}

// SupportsFastRead reports whether a family can be read with the bulk
// multi-page command instead of page-at-a-time reads.
func SupportsFastRead(f TagFamily) bool {
	return fastReadFamilies[f]
}

// ultralightCompatible lists the families whose coarse ATR identity can be
// refined with the GET VERSION command.
var ultralightCompatible = map[TagFamily]bool{
	FamilyUltralight:  true,
	FamilyUltralightC: true,
	FamilyNTAG213:     true,
	FamilyNTAG215:     true,
	FamilyNTAG216:     true,
}

// UltralightCompatible reports whether GET VERSION refinement is defined for
// a family.
func UltralightCompatible(f TagFamily) bool {
	return ultralightCompatible[f]
}

// Card is the result of a completed identification and read cycle. It is
// immutable once constructed; the next detection cycle produces a new Card.
type Card struct {
	UID    string // uppercase hex
	Data   []byte
	Family TagFamily
}
