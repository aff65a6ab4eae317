package domain

// Soul is the behavioral configuration an agent may evolve through approved proposals.
type Soul struct {
	Tone       string   `json:"tone,omitempty"`
	Persona    string   `json:"persona,omitempty"`
	Language   string   `json:"language,omitempty"`
	Rules      []string `json:"rules,omitempty"`
	Boundaries []string `json:"boundaries,omitempty"`
	Goals      []string `json:"goals,omitempty"`
	Learnings  []string `json:"learnings,omitempty"`
}

type SoulField string

const (
	FieldTone       SoulField = "tone"
	FieldPersona    SoulField = "persona"
	FieldLanguage   SoulField = "language"
	FieldRules      SoulField = "rules"
	FieldBoundaries SoulField = "boundaries"
	FieldGoals      SoulField = "goals"
	FieldLearnings  SoulField = "learnings"
)

// Scalar reports whether the field holds a single value.
func (f SoulField) Scalar() bool {
	switch f {
	case FieldTone, FieldPersona, FieldLanguage:
		return true
	}
	return false
}

// List reports whether the field holds an array of values.
func (f SoulField) List() bool {
	switch f {
	case FieldRules, FieldBoundaries, FieldGoals, FieldLearnings:
		return true
	}
	return false
}

// Scalar returns a pointer to the named scalar field, or nil.
func (s *Soul) Scalar(f SoulField) *string {
	switch f {
	case FieldTone:
		return &s.Tone
	case FieldPersona:
		return &s.Persona
	case FieldLanguage:
		return &s.Language
	}
	return nil
}

// List returns a pointer to the named array field, or nil.
func (s *Soul) List(f SoulField) *[]string {
	switch f {
	case FieldRules:
		return &s.Rules
	case FieldBoundaries:
		return &s.Boundaries
	case FieldGoals:
		return &s.Goals
	case FieldLearnings:
		return &s.Learnings
	}
	return nil
}

// Clone returns a deep copy.
func (s Soul) Clone() Soul {
	out := s
	out.Rules = cloneStrings(s.Rules)
	out.Boundaries = cloneStrings(s.Boundaries)
	out.Goals = cloneStrings(s.Goals)
	out.Learnings = cloneStrings(s.Learnings)
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// PayloadSoulChange tags approval records that carry a soul proposal rather
// than an action payload.
const PayloadSoulChange PayloadKind = "soul_change"
