// Package sound maps terminal events to audio cues. The daemon never
// plays audio itself; it attaches cue names to realtime events and the
// front end resolves them against its bundled assets.
package sound

// Cue identifies a front-end audio asset by logical name.
type Cue string

const (
	CueNone     Cue = ""
	CueDetected Cue = "payment-detected"
	CueSettled  Cue = "payment-settled"
	CueError    Cue = "error"
	CueTap      Cue = "card-tap"
)

// Theme resolves event kinds to cues. Themes are injected so tests and
// silent deployments can swap the mapping without touching callers.
type Theme struct {
	name string
	cues map[string]Cue
}

// Name returns the theme's identifier.
func (t *Theme) Name() string { return t.name }

// For returns the cue for an event kind, or CueNone.
func (t *Theme) For(eventKind string) Cue {
	if t == nil {
		return CueNone
	}
	return t.cues[eventKind]
}

// Default is the standard terminal theme.
func Default() *Theme {
	return &Theme{
		name: "classic",
		cues: map[string]Cue{
			"payment_detected": CueDetected,
			"invoice_settled":  CueSettled,
			"invoice_failed":   CueError,
			"nfc_tap":          CueTap,
		},
	}
}

// Silent maps every event to no cue.
func Silent() *Theme {
	return &Theme{name: "silent", cues: map[string]Cue{}}
}

// ByName resolves a configured theme name. Unknown names fall back to
// the classic theme.
func ByName(name string) *Theme {
	switch name {
	case "silent":
		return Silent()
	default:
		return Default()
	}
}
