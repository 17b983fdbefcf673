// Package techniques holds the fixed thinking-technique catalog and the
// step-guidance provider the engine consults for step counts.
package techniques

import (
	"fmt"
	"strings"

	"github.com/joescharf/thinkflow/internal/models"
)

// Info describes one technique in the catalog.
type Info struct {
	Technique   models.Technique `json:"technique"`
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Steps       []string         `json:"steps"`
}

// StepCount is the declared number of steps.
func (i Info) StepCount() int { return len(i.Steps) }

var catalog = []Info{
	{models.TechniqueSixHats, "Six Thinking Hats", "Look at the problem from six deliberate perspectives in turn.",
		[]string{"Blue hat: frame the process", "White hat: facts and data", "Red hat: feelings and intuition",
			"Black hat: risks and caution", "Yellow hat: benefits and optimism", "Green hat: new ideas"}},
	{models.TechniquePo, "Provocative Operation (PO)", "Use a deliberate provocation to escape habitual patterns.",
		[]string{"State a provocation", "Extract movement from it", "Develop concepts", "Evaluate practicality"}},
	{models.TechniqueRandomEntry, "Random Entry", "Force new connections from an unrelated stimulus.",
		[]string{"Pick a random stimulus", "List its attributes", "Connect attributes to the problem"}},
	{models.TechniqueScamper, "SCAMPER", "Transform an existing idea through seven operators.",
		[]string{"Substitute", "Combine", "Adapt", "Modify", "Put to other use", "Eliminate", "Reverse", "Synthesize the strongest variants"}},
	{models.TechniqueConceptExtraction, "Concept Extraction", "Abstract the principle behind a success and reapply it.",
		[]string{"Identify a success", "Extract the underlying concept", "Abstract into a pattern", "Apply to the problem"}},
	{models.TechniqueYesAnd, "Yes, And", "Build collaboratively on every contribution.",
		[]string{"Initial idea", "Build on it", "Evaluate the combined idea", "Integrate"}},
	{models.TechniqueDesignThinking, "Design Thinking", "Human-centred iteration from empathy to testing.",
		[]string{"Empathize", "Define", "Ideate", "Prototype", "Test"}},
	{models.TechniqueTriz, "TRIZ", "Resolve contradictions with inventive principles.",
		[]string{"Identify the contradiction", "Remove assumptions", "Apply inventive principles", "Minimize the solution"}},
	{models.TechniqueNeuralState, "Neural State", "Alternate focused and diffuse thinking modes.",
		[]string{"Assess current state", "Suppress the dominant network", "Rhythm shift", "Integrate insights"}},
	{models.TechniqueTemporalWork, "Temporal Work", "Treat time pressure and horizon as design material.",
		[]string{"Map the temporal landscape", "Find circadian alignment", "Transform pressure", "Balance horizons", "Escape temporal traps"}},
	{models.TechniqueCrossCultural, "Cross-Cultural", "Borrow problem-solving frames from other traditions.",
		[]string{"Map cultural perspectives", "Find bridges", "Synthesize respectfully", "Check adaptation", "Validate with stakeholders"}},
	{models.TechniqueCollectiveIntel, "Collective Intelligence", "Aggregate diverse sources into emergent insight.",
		[]string{"Identify sources", "Gather wisdom", "Find patterns", "Recognize emergence", "Synthesize"}},
	{models.TechniqueDisneyMethod, "Disney Method", "Separate dreaming, realism and criticism into distinct passes.",
		[]string{"Dreamer", "Realist", "Critic"}},
	{models.TechniqueNineWindows, "Nine Windows", "Examine the system across past, present and future at three scales.",
		[]string{"Past subsystem", "Past system", "Past supersystem",
			"Present subsystem", "Present system", "Present supersystem",
			"Future subsystem", "Future system", "Future supersystem"}},
	{models.TechniqueFirstPrinciples, "First Principles", "Reduce to fundamentals and rebuild.",
		[]string{"State the problem", "Break into components", "Question assumptions", "Identify fundamentals", "Rebuild from fundamentals"}},
}

var byTechnique = func() map[models.Technique]Info {
	m := make(map[models.Technique]Info, len(catalog))
	for _, info := range catalog {
		m[info.Technique] = info
	}
	return m
}()

// Catalog is the default content provider backed by the fixed catalog.
type Catalog struct{}

func NewCatalog() *Catalog { return &Catalog{} }

// Lookup returns the catalog entry for t.
func (c *Catalog) Lookup(t models.Technique) (Info, bool) {
	info, ok := byTechnique[t]
	return info, ok
}

// StepCount returns the declared step count of t.
func (c *Catalog) StepCount(t models.Technique) (int, error) {
	info, ok := byTechnique[t]
	if !ok {
		return 0, fmt.Errorf("unknown technique %q", t)
	}
	return info.StepCount(), nil
}

// Discover returns the whole catalog in stable order. Problem-specific
// ranking is not attempted.
func (c *Catalog) Discover(problem string) []Info {
	out := make([]Info, len(catalog))
	copy(out, catalog)
	return out
}

// Guidance returns the prompt text for step of t applied to problem. Step
// numbers past the end return completion guidance.
func (c *Catalog) Guidance(t models.Technique, step int, problem string) string {
	info, ok := byTechnique[t]
	if !ok {
		return ""
	}
	if step < 1 {
		step = 1
	}
	if step > len(info.Steps) {
		return fmt.Sprintf("%s complete for: %s. Summarize insights.", info.Name, problem)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s, step %d of %d: %s.\n", info.Name, step, len(info.Steps), info.Steps[step-1])
	fmt.Fprintf(&b, "Problem: %s", problem)
	return b.String()
}
