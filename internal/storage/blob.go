package storage

import "bytes"

var zipMagic = []byte{'P', 'K', 0x03, 0x04}

// legacyPrefixSize is the length field some producers write before the
// document payload.
const legacyPrefixSize = 8

// StripLegacyPrefix removes the 8-byte length prefix when the ZIP magic sits
// at offset 8 instead of offset 0. Other inputs are returned unchanged.
func StripLegacyPrefix(data []byte) []byte {
	if bytes.HasPrefix(data, zipMagic) {
		return data
	}
	if len(data) >= legacyPrefixSize+len(zipMagic) && bytes.Equal(data[legacyPrefixSize:legacyPrefixSize+len(zipMagic)], zipMagic) {
		return data[legacyPrefixSize:]
	}
	return data
}
