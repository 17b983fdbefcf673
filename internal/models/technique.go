package models

// Technique identifies one of the fixed thinking techniques a session runs.
type Technique string

const (
	TechniqueSixHats           Technique = "six_hats"
	TechniquePo                Technique = "po"
	TechniqueRandomEntry       Technique = "random_entry"
	TechniqueScamper           Technique = "scamper"
	TechniqueConceptExtraction Technique = "concept_extraction"
	TechniqueYesAnd            Technique = "yes_and"
	TechniqueDesignThinking    Technique = "design_thinking"
	TechniqueTriz              Technique = "triz"
	TechniqueNeuralState       Technique = "neural_state"
	TechniqueTemporalWork      Technique = "temporal_work"
	TechniqueCrossCultural     Technique = "cross_cultural"
	TechniqueCollectiveIntel   Technique = "collective_intel"
	TechniqueDisneyMethod      Technique = "disney_method"
	TechniqueNineWindows       Technique = "nine_windows"
	TechniqueFirstPrinciples   Technique = "first_principles"
)

// AllTechniques lists the known techniques in catalog order.
var AllTechniques = []Technique{
	TechniqueSixHats,
	TechniquePo,
	TechniqueRandomEntry,
	TechniqueScamper,
	TechniqueConceptExtraction,
	TechniqueYesAnd,
	TechniqueDesignThinking,
	TechniqueTriz,
	TechniqueNeuralState,
	TechniqueTemporalWork,
	TechniqueCrossCultural,
	TechniqueCollectiveIntel,
	TechniqueDisneyMethod,
	TechniqueNineWindows,
	TechniqueFirstPrinciples,
}

var knownTechniques = func() map[Technique]bool {
	m := make(map[Technique]bool, len(AllTechniques))
	for _, t := range AllTechniques {
		m[t] = true
	}
	return m
}()

// Valid reports whether t is one of the known techniques.
func (t Technique) Valid() bool {
	return knownTechniques[t]
}
