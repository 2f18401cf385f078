package health

import (
	"sort"
	"strings"
	"time"

	"github.com/selfheald/selfheald/pkg/repair"
)

// Report is one immutable aggregation of all component checks from a single
// poll cycle.
type Report struct {
	Timestamp       time.Time                  `json:"timestamp"`
	Overall         Status                     `json:"overall"`
	Components      map[string]ComponentHealth `json:"components"`
	Issues          []string                   `json:"issues,omitempty"`
	Recommendations []repair.Action            `json:"recommendations,omitempty"`
}

// recommendationRule maps an unhealthy component to the repair actions that
// address it. Message substrings refine the match; an empty list matches any
// unhealthy result for the component.
type recommendationRule struct {
	component         string
	messageSubstrings []string
	actions           []repair.Action
}

var recommendationRules = []recommendationRule{
	{
		component:         "recognizer",
		messageSubstrings: []string{"cuda", "gpu", "out of memory"},
		actions:           []repair.Action{repair.ActionSwitchRecognizerToCPU},
	},
	{
		component: "recognizer",
		actions:   []repair.Action{repair.ActionRestartRecognizer},
	},
	{
		component: "synthesizer",
		actions:   []repair.Action{repair.ActionRestartSynthesizer},
	},
	{
		component:         "audio",
		messageSubstrings: []string{"mic", "input"},
		actions:           []repair.Action{repair.ActionRepairMicRoutine},
	},
	{
		component: "audio",
		actions:   []repair.Action{repair.ActionRestartAudioDevice},
	},
	{
		component: "hotkeys",
		actions:   []repair.Action{repair.ActionRebindHotkeys},
	},
	{
		component: "push_to_talk",
		actions:   []repair.Action{repair.ActionResetPushToTalk},
	},
	{
		component: "avatar",
		actions:   []repair.Action{repair.ActionReconnectAvatar},
	},
}

// BuildReport aggregates component results into a report. The overall status
// is the worst component status, issues list every unhealthy component, and
// recommendations come from the static rule table in first-seen order without
// duplicates.
func BuildReport(now time.Time, components []ComponentHealth) Report {
	report := Report{
		Timestamp:  now,
		Overall:    StatusHealthy,
		Components: make(map[string]ComponentHealth, len(components)),
	}

	ordered := append([]ComponentHealth(nil), components...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Name < ordered[j].Name })

	seen := make(map[repair.Action]struct{})
	for _, component := range ordered {
		report.Components[component.Name] = component
		report.Overall = Worst(report.Overall, component.Status)
		if component.Status == StatusHealthy {
			continue
		}
		issue := component.Name + ": " + string(component.Status)
		if component.Message != "" {
			issue += " (" + component.Message + ")"
		}
		report.Issues = append(report.Issues, issue)
		for _, action := range recommendActions(component) {
			if _, ok := seen[action]; ok {
				continue
			}
			seen[action] = struct{}{}
			report.Recommendations = append(report.Recommendations, action)
		}
	}
	return report
}

func recommendActions(component ComponentHealth) []repair.Action {
	message := strings.ToLower(component.Message)
	for _, rule := range recommendationRules {
		if rule.component != component.Name {
			continue
		}
		if len(rule.messageSubstrings) == 0 {
			return rule.actions
		}
		for _, needle := range rule.messageSubstrings {
			if strings.Contains(message, needle) {
				return rule.actions
			}
		}
	}
	return nil
}

// Healthy reports whether no component needs attention.
func (r Report) Healthy() bool {
	return r.Overall == StatusHealthy
}

// StatusText renders the report as one plain-language line suitable for
// speaking or messaging to the operator.
func (r Report) StatusText() string {
	if r.Healthy() {
		return "all systems healthy"
	}
	return string(r.Overall) + ": " + strings.Join(r.Issues, "; ")
}
