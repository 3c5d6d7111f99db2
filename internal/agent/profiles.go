package agent

import "sort"

// Profile describes one class of swarm worker. Tasks select a profile through
// their agent_type metadata tag.
type Profile struct {
	Tag             string
	Model           string
	MaxOutputTokens int
	Instructions    string
}

var defaultProfiles = map[string]Profile{
	"researcher": {
		Tag:             "researcher",
		MaxOutputTokens: 2000,
		Instructions: `You are a research agent. Your job is to analyze information
and provide clear, factual summaries.

Output your findings in this format:
<findings>
- Key point 1
- Key point 2
- Key point 3
</findings>

<confidence>high/medium/low</confidence>

<sources>
List any sources or assumptions
</sources>`,
	},
	"analyst": {
		Tag:             "analyst",
		MaxOutputTokens: 3000,
		Instructions: `You are an analysis agent. Your job is to synthesize
multiple research findings into insights and recommendations.

Output your analysis in this format:
<synthesis>
Combined insights from all inputs
</synthesis>

<recommendations>
1. Recommendation 1
2. Recommendation 2
3. Recommendation 3
</recommendations>`,
	},
	"writer": {
		Tag:             "writer",
		MaxOutputTokens: 4000,
		Instructions: `You are a writing agent. Your job is to transform
analysis into clear, professional documents.

Write in a clear, professional tone suitable for business stakeholders.`,
	},
}

// DefaultProfile returns the built-in profile for tag.
func DefaultProfile(tag string) (Profile, bool) {
	p, ok := defaultProfiles[tag]
	return p, ok
}

func DefaultProfileTags() []string {
	out := make([]string, 0, len(defaultProfiles))
	for tag := range defaultProfiles {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}
