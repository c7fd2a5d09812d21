package proto

import "math"

const (
	// FlagsIndex is the metadata slot holding the entity-flags byte.
	FlagsIndex uint8 = 0

	// FlagGlowing is the canonical "on" value of the flags byte.
	FlagGlowing uint8 = 0x40
	// FlagNone is the canonical "off" value of the flags byte.
	FlagNone uint8 = 0x00
)

// HighlightState classifies the highlight flag carried by an update.
type HighlightState int

const (
	// HighlightAbsent means the update does not touch the flags byte.
	HighlightAbsent HighlightState = iota
	// HighlightOff means the flags byte is the canonical "off" value.
	HighlightOff
	// HighlightOn means the flags byte is the canonical "on" value.
	HighlightOn
	// HighlightForeign means the flags slot holds anything else.
	HighlightForeign
)

func (s HighlightState) String() string {
	switch s {
	case HighlightAbsent:
		return "absent"
	case HighlightOff:
		return "off"
	case HighlightOn:
		return "on"
	case HighlightForeign:
		return "foreign"
	default:
		return "unknown"
	}
}

// Highlight reports the highlight state of update.
func Highlight(update EntityUpdate) HighlightState {
	entry, ok := update.Lookup(FlagsIndex)
	if !ok {
		return HighlightAbsent
	}
	if entry.Type != MetadataByte {
		return HighlightForeign
	}
	value, ok := byteValue(entry.Value)
	if !ok {
		return HighlightForeign
	}
	switch value {
	case FlagNone:
		return HighlightOff
	case FlagGlowing:
		return HighlightOn
	default:
		return HighlightForeign
	}
}

// FlagsEntry builds the flags-byte metadata entry.
func FlagsEntry(value uint8) Metadata {
	return Metadata{Index: FlagsIndex, Type: MetadataByte, Value: value}
}

func highlightValue(on bool) uint8 {
	if on {
		return FlagGlowing
	}
	return FlagNone
}

// WithHighlight returns a copy of update whose flags byte is the canonical
// value for on. Existing entries at the flags index are replaced in place.
func WithHighlight(update EntityUpdate, on bool) EntityUpdate {
	patched := update.Clone()
	entry := FlagsEntry(highlightValue(on))
	for i := range patched.Metadata {
		if patched.Metadata[i].Index == FlagsIndex {
			patched.Metadata[i] = entry
			return patched
		}
	}
	patched.Metadata = append(patched.Metadata, entry)
	return patched
}

// NewHighlightUpdate builds an explicit update that only sets the highlight.
func NewHighlightUpdate(entity string, on bool) EntityUpdate {
	return NewEntityUpdate(entity, 0, FlagsEntry(highlightValue(on)))
}

// byteValue accepts the integer representations a flags value may take in
// process and after a JSON round trip.
func byteValue(value any) (uint8, bool) {
	switch v := value.(type) {
	case uint8:
		return v, true
	case int:
		if v >= 0 && v <= math.MaxUint8 {
			return uint8(v), true
		}
	case int64:
		if v >= 0 && v <= math.MaxUint8 {
			return uint8(v), true
		}
	case float64:
		if v >= 0 && v <= math.MaxUint8 && v == math.Trunc(v) {
			return uint8(v), true
		}
	}
	return 0, false
}
