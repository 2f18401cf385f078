// Package planner converts diagnostic reports into ordered, capped repair
// plans and decides which items may run without operator approval.
package planner

import (
	"sort"
	"strings"

	"github.com/selfheald/selfheald/pkg/health"
	"github.com/selfheald/selfheald/pkg/repair"
)

// DefaultMaxAutoActions bounds how many items in one plan may run without
// approval. Excess items stay in the plan but flip to approval-required.
const DefaultMaxAutoActions = 5

// autoSafe lists the non-destructive actions allowed to run unattended.
var autoSafe = map[repair.Action]struct{}{
	repair.ActionResetPushToTalk:       {},
	repair.ActionRebindHotkeys:         {},
	repair.ActionRestartSynthesizer:    {},
	repair.ActionRestartAudioDevice:    {},
	repair.ActionSwitchRecognizerToCPU: {},
	repair.ActionRestartRecognizer:     {},
	repair.ActionReconnectAvatar:       {},
	repair.ActionRepairMicRoutine:      {},
}

// priorities orders actions within a plan; lower runs first. Unknown actions
// get defaultPriority.
var priorities = map[repair.Action]int{
	repair.ActionRepairMicRoutine:      0,
	repair.ActionResetPushToTalk:       1,
	repair.ActionRebindHotkeys:         2,
	repair.ActionRestartAudioDevice:    3,
	repair.ActionSwitchRecognizerToCPU: 4,
	repair.ActionRestartRecognizer:     5,
	repair.ActionRestartSynthesizer:    6,
	repair.ActionReconnectAvatar:       7,
}

const defaultPriority = 10

// issueKeywords links each action to the issue phrases that justify it, used
// to attach the most specific matching issue as the item's reason.
var issueKeywords = map[repair.Action][]string{
	repair.ActionRestartRecognizer:     {"recognizer", "transcription", "speech recognition", "cublas"},
	repair.ActionSwitchRecognizerToCPU: {"cuda", "cublas", "gpu", "latency"},
	repair.ActionRestartSynthesizer:    {"synthesizer", "speech", "playback", "audio"},
	repair.ActionRestartAudioDevice:    {"microphone", "mic", "audio frame", "recording"},
	repair.ActionRebindHotkeys:         {"hotkey", "keyboard", "listener"},
	repair.ActionResetPushToTalk:       {"ptt", "recording", "stuck"},
	repair.ActionReconnectAvatar:       {"avatar", "vtube", "websocket"},
}

const fallbackReason = "Detected issue"

// Planner builds repair plans. It is a pure transformation and safe for
// concurrent use.
type Planner struct {
	maxAutoActions int
}

// New constructs a Planner. A non-positive cap falls back to the default.
func New(maxAutoActions int) *Planner {
	if maxAutoActions <= 0 {
		maxAutoActions = DefaultMaxAutoActions
	}
	return &Planner{maxAutoActions: maxAutoActions}
}

// Plan turns a diagnostic report into an ordered repair plan. Items are
// stable-sorted ascending by priority, and at most the configured number of
// items keep auto=true.
func (p *Planner) Plan(report health.Report) []repair.PlanItem {
	items := make([]repair.PlanItem, 0, len(report.Recommendations))
	for _, action := range report.Recommendations {
		_, auto := autoSafe[action]
		priority, ok := priorities[action]
		if !ok {
			priority = defaultPriority
		}
		items = append(items, repair.PlanItem{
			Action:   action,
			Reason:   reasonFor(action, report.Issues),
			Auto:     auto,
			Priority: priority,
		})
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].Priority < items[j].Priority })

	autoCount := 0
	for i := range items {
		if !items[i].Auto {
			continue
		}
		autoCount++
		if autoCount > p.maxAutoActions {
			items[i].Auto = false
		}
	}
	return items
}

// reasonFor returns the most specific issue that matches the action, or the
// fallback reason when nothing matches.
func reasonFor(action repair.Action, issues []string) string {
	spaced := strings.ReplaceAll(action.String(), "_", " ")
	keywords := issueKeywords[action]
	for _, issue := range issues {
		lower := strings.ToLower(issue)
		if strings.Contains(lower, spaced) {
			return issue
		}
		for _, keyword := range keywords {
			if strings.Contains(lower, keyword) {
				return issue
			}
		}
	}
	return fallbackReason
}

// AutoItems filters a plan down to the items that may run unattended.
func AutoItems(plan []repair.PlanItem) []repair.PlanItem {
	var out []repair.PlanItem
	for _, item := range plan {
		if item.Auto {
			out = append(out, item)
		}
	}
	return out
}

// ApprovalItems filters a plan down to the items needing operator approval.
func ApprovalItems(plan []repair.PlanItem) []repair.PlanItem {
	var out []repair.PlanItem
	for _, item := range plan {
		if !item.Auto {
			out = append(out, item)
		}
	}
	return out
}

// commandRoute maps a user request phrase set to a fixed plan.
type commandRoute struct {
	keywords []string
	items    []repair.PlanItem
}

var commandRoutes = []commandRoute{
	{
		keywords: []string{"fix mic", "repair mic", "microphone"},
		items:    []repair.PlanItem{{Action: repair.ActionRepairMicRoutine, Reason: "User requested mic repair", Auto: true, Priority: 0}},
	},
	{
		keywords: []string{"fix speech", "repair speech", "recognizer", "transcription"},
		items: []repair.PlanItem{
			{Action: repair.ActionSwitchRecognizerToCPU, Reason: "User requested recognizer fix", Auto: true, Priority: 1},
			{Action: repair.ActionRestartRecognizer, Reason: "User requested recognizer fix", Auto: true, Priority: 2},
		},
	},
	{
		keywords: []string{"fix voice", "repair voice", "speaking"},
		items:    []repair.PlanItem{{Action: repair.ActionRestartSynthesizer, Reason: "User requested synthesizer fix", Auto: true, Priority: 0}},
	},
	{
		keywords: []string{"fix hotkey", "repair hotkey", "keyboard"},
		items:    []repair.PlanItem{{Action: repair.ActionRebindHotkeys, Reason: "User requested hotkey fix", Auto: true, Priority: 0}},
	},
	{
		keywords: []string{"fix ptt", "reset ptt", "recording stuck"},
		items:    []repair.PlanItem{{Action: repair.ActionResetPushToTalk, Reason: "User requested push-to-talk reset", Auto: true, Priority: 0}},
	},
	{
		keywords: []string{"update", "self update", "upgrade"},
		items:    []repair.PlanItem{{Action: repair.ActionRunSelfUpdate, Reason: "User requested update", Auto: false, Priority: 0}},
	},
}

// PlanForCommand synthesizes a plan directly from a free-text request via
// fixed keyword routing, bypassing the diagnostic report. It returns nil when
// no route matches.
func (p *Planner) PlanForCommand(command string) []repair.PlanItem {
	lower := strings.ToLower(command)
	for _, route := range commandRoutes {
		for _, keyword := range route.keywords {
			if strings.Contains(lower, keyword) {
				return append([]repair.PlanItem(nil), route.items...)
			}
		}
	}
	return nil
}
