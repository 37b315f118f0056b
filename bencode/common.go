// This package defines a canonical bencode encoder. Struct fields are mapped to dictionary keys with
// `bencode:".."` tags and dictionary keys are always written in sorted order, so two values which are
// structurally equal always encode to the same bytes. It is used to derive lookup keys for values which
// must be compared by deep equality.
package bencode

const (
	numberStart    = 'i'
	dictStart      = 'd'
	listStart      = 'l'
	bencodeEnd     = 'e'
	bytesLengthSep = ':'
)
