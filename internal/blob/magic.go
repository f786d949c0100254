package blob

// Magic identifies one of the ten blob/chunk wire variants or one of the
// two index header variants. These byte sequences are a fixed part of
// the on-disk format and MUST match exactly; they are never derived or
// recomputed.
type Magic [8]byte

var (
	MagicUncompressedChunk        = Magic{79, 127, 200, 4, 121, 74, 135, 239}
	MagicEncryptedChunk           = Magic{8, 54, 114, 153, 70, 156, 26, 151}
	MagicCompressedChunk          = Magic{191, 237, 46, 195, 108, 17, 228, 235}
	MagicCompressedEncryptedChunk = Magic{9, 40, 53, 200, 37, 150, 90, 196}

	MagicUncompressedBlob        = Magic{66, 171, 56, 7, 190, 131, 112, 161}
	MagicCompressedBlob          = Magic{49, 185, 88, 66, 111, 182, 163, 127}
	MagicEncryptedBlob           = Magic{123, 103, 133, 190, 34, 45, 76, 240}
	MagicCompressedEncryptedBlob = Magic{230, 89, 27, 191, 11, 191, 216, 11}
	MagicAuthenticatedBlob       = Magic{31, 135, 238, 226, 145, 206, 5, 2}
	MagicCompressedAuthenticated = Magic{126, 166, 15, 190, 145, 31, 169, 96}

	MagicFixedIndexHeader   = Magic{47, 127, 65, 237, 145, 253, 15, 205}
	MagicDynamicIndexHeader = Magic{28, 145, 78, 165, 25, 186, 179, 205}
)

// Variant describes which framing a Magic selects.
type Variant int

const (
	VariantUnknown Variant = iota
	VariantUncompressedChunk
	VariantEncryptedChunk
	VariantCompressedChunk
	VariantCompressedEncryptedChunk
	VariantUncompressedBlob
	VariantCompressedBlob
	VariantEncryptedBlob
	VariantCompressedEncryptedBlob
	VariantAuthenticatedBlob
	VariantCompressedAuthenticatedBlob
)

var magicToVariant = map[Magic]Variant{
	MagicUncompressedChunk:        VariantUncompressedChunk,
	MagicEncryptedChunk:           VariantEncryptedChunk,
	MagicCompressedChunk:          VariantCompressedChunk,
	MagicCompressedEncryptedChunk: VariantCompressedEncryptedChunk,
	MagicUncompressedBlob:         VariantUncompressedBlob,
	MagicCompressedBlob:           VariantCompressedBlob,
	MagicEncryptedBlob:            VariantEncryptedBlob,
	MagicCompressedEncryptedBlob:  VariantCompressedEncryptedBlob,
	MagicAuthenticatedBlob:        VariantAuthenticatedBlob,
	MagicCompressedAuthenticated:  VariantCompressedAuthenticatedBlob,
}

var variantToMagic = func() map[Variant]Magic {
	m := make(map[Variant]Magic, len(magicToVariant))
	for magic, variant := range magicToVariant {
		m[variant] = magic
	}
	return m
}()

// variantOf returns the Variant for magic, or VariantUnknown.
func variantOf(magic Magic) Variant {
	if v, ok := magicToVariant[magic]; ok {
		return v
	}
	return VariantUnknown
}

func (v Variant) isChunk() bool {
	switch v {
	case VariantUncompressedChunk, VariantEncryptedChunk, VariantCompressedChunk, VariantCompressedEncryptedChunk:
		return true
	default:
		return false
	}
}

func (v Variant) isCompressed() bool {
	switch v {
	case VariantCompressedChunk, VariantCompressedEncryptedChunk, VariantCompressedBlob,
		VariantCompressedEncryptedBlob, VariantCompressedAuthenticatedBlob:
		return true
	default:
		return false
	}
}

func (v Variant) isEncrypted() bool {
	switch v {
	case VariantEncryptedChunk, VariantCompressedEncryptedChunk, VariantEncryptedBlob, VariantCompressedEncryptedBlob:
		return true
	default:
		return false
	}
}

func (v Variant) isAuthenticated() bool {
	switch v {
	case VariantAuthenticatedBlob, VariantCompressedAuthenticatedBlob:
		return true
	default:
		return false
	}
}
