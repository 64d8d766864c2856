package nfc

import "bytes"

// Identity is the result of parsing a tag's ATR.
type Identity struct {
	Standard TagStandard
	Family   TagFamily
}

// atrMarker is the registered-application identifier that precedes the
// standard and card-name bytes in the ATR of a PC/SC contactless reader.
var atrMarker = []byte{0xA0, 0x00, 0x00, 0x03, 0x06}

// minATRLength is the shortest ATR that can carry the marker plus the
// standard and card-name bytes.
const minATRLength = 8

// familyByCardName maps the big-endian card-name bytes that follow the
// standard byte to a tag family (PC/SC part 3 supplement values).
var familyByCardName = map[uint16]TagFamily{
	0x0001: FamilyClassic1K,
	0x0002: FamilyClassic4K,
	0x0003: FamilyUltralight,
	0x0026: FamilyMini,
	0x0036: FamilyPlus2K,
	0x0037: FamilyPlus4K,
	0x003A: FamilyUltralightC,
	0xF004: FamilyTopaz,
	0xF011: FamilyFeliCa212,
	0xF012: FamilyFeliCa424,
	0xFF28: FamilyJCOP30,
	0xFF88: FamilyJCOP40,
}

// ParseATR extracts the tag identity from an ATR. An ATR that is too short
// or lacks the registration marker yields an unknown identity, never an
// error: unrecognized hardware is an expected condition.
func ParseATR(atr []byte) Identity {
	if len(atr) < minATRLength {
		return Identity{}
	}

	i := bytes.Index(atr, atrMarker)
	if i < 0 || i+len(atrMarker)+3 > len(atr) {
		return Identity{}
	}

	rest := atr[i+len(atrMarker):]
	id := Identity{Family: FamilyUnknown}

	switch rest[0] {
	case 0x03:
		id.Standard = StandardISO14443Part3
	case 0x04:
		id.Standard = StandardISO14443Part4
	case 0x11:
		id.Standard = StandardFeliCa
	}

	name := uint16(rest[1])<<8 | uint16(rest[2])
	if f, ok := familyByCardName[name]; ok {
		id.Family = f
	}
	return id
}

// RefineFamily narrows an Ultralight-compatible identity using the 8-byte
// GET VERSION reply. The product type and storage size bytes select the
// specific sub-variant; anything unrecognized keeps the coarse family.
//
// Reply layout: fixed header, vendor ID, product type, subtype, major
// version, minor version, storage size, protocol type.
func RefineFamily(coarse TagFamily, version []byte) TagFamily {
	if len(version) < 8 {
		return coarse
	}
	productType := version[2]
	storageSize := version[6]

	switch productType {
	case 0x03: // Ultralight family
		switch storageSize {
		case 0x0B:
			return FamilyUltralight
		case 0x0E:
			return FamilyUltralightC
		}
		return FamilyUltralight
	case 0x04: // NTAG family
		switch storageSize {
		case 0x0F:
			return FamilyNTAG213
		case 0x11:
			return FamilyNTAG215
		case 0x13:
			return FamilyNTAG216
		}
		return FamilyNTAG215
	}
	return coarse
}
