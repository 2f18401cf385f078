package repair

import "fmt"

// Action identifies one repair behaviour. The set is closed: adding a new
// action means extending the enum, ParseAction, and the dispatch table, all
// of which the compiler and tests check.
type Action int

const (
	ActionUnknown Action = iota
	ActionRestartRecognizer
	ActionSwitchRecognizerToCPU
	ActionRestartSynthesizer
	ActionRestartAudioDevice
	ActionRebindHotkeys
	ActionResetPushToTalk
	ActionReconnectAvatar
	ActionRepairMicRoutine
	ActionRunSelfUpdate
	ActionAutonomousFix
)

var actionNames = map[Action]string{
	ActionRestartRecognizer:     "restart_recognizer",
	ActionSwitchRecognizerToCPU: "switch_recognizer_to_cpu",
	ActionRestartSynthesizer:    "restart_synthesizer",
	ActionRestartAudioDevice:    "restart_audio_device",
	ActionRebindHotkeys:         "rebind_hotkeys",
	ActionResetPushToTalk:       "reset_ptt_state",
	ActionReconnectAvatar:       "reconnect_avatar",
	ActionRepairMicRoutine:      "repair_mic_routine",
	ActionRunSelfUpdate:         "run_self_update",
	ActionAutonomousFix:         "autonomous_fix",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// ParseAction resolves an action name to its enum value.
func ParseAction(name string) (Action, bool) {
	for action, candidate := range actionNames {
		if candidate == name {
			return action, true
		}
	}
	return ActionUnknown, false
}

// Actions returns every known action in a stable order.
func Actions() []Action {
	return []Action{
		ActionRestartRecognizer,
		ActionSwitchRecognizerToCPU,
		ActionRestartSynthesizer,
		ActionRestartAudioDevice,
		ActionRebindHotkeys,
		ActionResetPushToTalk,
		ActionReconnectAvatar,
		ActionRepairMicRoutine,
		ActionRunSelfUpdate,
		ActionAutonomousFix,
	}
}

// PlanItem is one proposed fix inside a repair plan. Items are produced by
// the planner and consumed once by the engine or the approval gate.
type PlanItem struct {
	Action   Action
	Reason   string
	Auto     bool
	Priority int
}

// Outcome classifies the result of executing one repair action.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)
