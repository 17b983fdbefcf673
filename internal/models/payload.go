package models

import "fmt"

// PayloadKind tags which variant of StepPayload is populated.
type PayloadKind string

const (
	PayloadKindGeneric        PayloadKind = "generic"
	PayloadKindSixHats        PayloadKind = PayloadKind(TechniqueSixHats)
	PayloadKindScamper        PayloadKind = PayloadKind(TechniqueScamper)
	PayloadKindPo             PayloadKind = PayloadKind(TechniquePo)
	PayloadKindRandomEntry    PayloadKind = PayloadKind(TechniqueRandomEntry)
	PayloadKindDesignThinking PayloadKind = PayloadKind(TechniqueDesignThinking)
	PayloadKindTriz           PayloadKind = PayloadKind(TechniqueTriz)
	PayloadKindDisney         PayloadKind = PayloadKind(TechniqueDisneyMethod)
	PayloadKindNineWindows    PayloadKind = PayloadKind(TechniqueNineWindows)
)

// StepPayload is a closed union of technique-specific step fields.
// Exactly the variant named by Kind is set; PayloadKindGeneric sets none.
type StepPayload struct {
	Kind           PayloadKind            `json:"kind"`
	SixHats        *SixHatsPayload        `json:"six_hats,omitempty"`
	Scamper        *ScamperPayload        `json:"scamper,omitempty"`
	Po             *PoPayload             `json:"po,omitempty"`
	RandomEntry    *RandomEntryPayload    `json:"random_entry,omitempty"`
	DesignThinking *DesignThinkingPayload `json:"design_thinking,omitempty"`
	Triz           *TrizPayload           `json:"triz,omitempty"`
	Disney         *DisneyPayload         `json:"disney,omitempty"`
	NineWindows    *NineWindowsPayload    `json:"nine_windows,omitempty"`
}

type SixHatsPayload struct {
	Hat string `json:"hat"`
}

type ScamperPayload struct {
	Action string `json:"action"`
}

type PoPayload struct {
	Provocation string `json:"provocation"`
}

type RandomEntryPayload struct {
	Stimulus string `json:"stimulus"`
}

type DesignThinkingPayload struct {
	Stage string `json:"stage"`
}

type TrizPayload struct {
	Contradiction string `json:"contradiction"`
	Principle     string `json:"principle,omitempty"`
}

type DisneyPayload struct {
	Role string `json:"role"`
}

type NineWindowsPayload struct {
	Cell string `json:"cell"`
}

// Validate checks that the populated variant matches Kind.
func (p *StepPayload) Validate() error {
	set := p.variants()
	count := 0
	for _, ok := range set {
		if ok {
			count++
		}
	}
	if p.Kind == PayloadKindGeneric {
		if count != 0 {
			return fmt.Errorf("generic payload must not set a technique variant")
		}
		return nil
	}
	ok, known := set[p.Kind]
	if !known {
		return fmt.Errorf("unknown payload kind %q", p.Kind)
	}
	if !ok || count != 1 {
		return fmt.Errorf("payload kind %q requires exactly its own variant", p.Kind)
	}
	return nil
}

func (p *StepPayload) variants() map[PayloadKind]bool {
	return map[PayloadKind]bool{
		PayloadKindSixHats:        p.SixHats != nil,
		PayloadKindScamper:        p.Scamper != nil,
		PayloadKindPo:             p.Po != nil,
		PayloadKindRandomEntry:    p.RandomEntry != nil,
		PayloadKindDesignThinking: p.DesignThinking != nil,
		PayloadKindTriz:           p.Triz != nil,
		PayloadKindDisney:         p.Disney != nil,
		PayloadKindNineWindows:    p.NineWindows != nil,
	}
}

func (p *StepPayload) clone() StepPayload {
	c := StepPayload{Kind: p.Kind}
	if p.SixHats != nil {
		v := *p.SixHats
		c.SixHats = &v
	}
	if p.Scamper != nil {
		v := *p.Scamper
		c.Scamper = &v
	}
	if p.Po != nil {
		v := *p.Po
		c.Po = &v
	}
	if p.RandomEntry != nil {
		v := *p.RandomEntry
		c.RandomEntry = &v
	}
	if p.DesignThinking != nil {
		v := *p.DesignThinking
		c.DesignThinking = &v
	}
	if p.Triz != nil {
		v := *p.Triz
		c.Triz = &v
	}
	if p.Disney != nil {
		v := *p.Disney
		c.Disney = &v
	}
	if p.NineWindows != nil {
		v := *p.NineWindows
		c.NineWindows = &v
	}
	return c
}
