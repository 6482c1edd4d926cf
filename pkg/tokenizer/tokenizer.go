// Package tokenizer defines the encoding interface the generation demo
// speaks and provides a byte-level fallback implementation. A real subword
// vocabulary is an external collaborator; anything satisfying Tokenizer
// can be plugged in.
package tokenizer

import (
	"fmt"
	"strings"
)

// Tokenizer converts between text and token ids.
type Tokenizer interface {
	Encode(text string, addBOS, addEOS bool) []int
	Decode(ids []int) string
	VocabSize() int
	BOS() int
	EOS() int
}

// Byte-level id layout: 0-255 are raw bytes, specials follow.
const (
	byteVocab = 256

	bosID = byteVocab
	eosID = byteVocab + 1

	numSpecial = 2
)

// ByteLevel tokenizes text as its raw UTF-8 bytes, one token per byte,
// plus BOS and EOS markers. No merges, no vocabulary file; every string
// round-trips exactly. Wasteful for real use but sufficient to drive an
// untrained model.
type ByteLevel struct{}

func NewByteLevel() *ByteLevel {
	return &ByteLevel{}
}

func (*ByteLevel) VocabSize() int { return byteVocab + numSpecial }
func (*ByteLevel) BOS() int       { return bosID }
func (*ByteLevel) EOS() int       { return eosID }

// Encode maps each byte of text to its own token id.
func (*ByteLevel) Encode(text string, addBOS, addEOS bool) []int {
	ids := make([]int, 0, len(text)+numSpecial)
	if addBOS {
		ids = append(ids, bosID)
	}
	for i := 0; i < len(text); i++ {
		ids = append(ids, int(text[i]))
	}
	if addEOS {
		ids = append(ids, eosID)
	}
	return ids
}

// Decode reassembles the byte tokens into a string. Special tokens render
// as readable markers and ids outside the vocabulary as replacement
// markers, so the output of an untrained model stays printable.
func (*ByteLevel) Decode(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		switch {
		case id >= 0 && id < byteVocab:
			sb.WriteByte(byte(id))
		case id == bosID:
			sb.WriteString("<s>")
		case id == eosID:
			sb.WriteString("</s>")
		default:
			sb.WriteString(fmt.Sprintf("<unk:%d>", id))
		}
	}
	return sb.String()
}
