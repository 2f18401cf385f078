package planner

import (
	"testing"

	"github.com/selfheald/selfheald/pkg/health"
	"github.com/selfheald/selfheald/pkg/repair"
)

func TestPlanOrdersItemsByPriority(t *testing.T) {
	p := New(0)
	report := health.Report{
		Issues: []string{
			"synthesizer: failed (playback stalled)",
			"audio: degraded (mic input silent)",
		},
		Recommendations: []repair.Action{
			repair.ActionRestartSynthesizer,
			repair.ActionRepairMicRoutine,
			repair.ActionRestartRecognizer,
		},
	}

	plan := p.Plan(report)
	if len(plan) != 3 {
		t.Fatalf("expected 3 items, got %d", len(plan))
	}

	wantOrder := []repair.Action{
		repair.ActionRepairMicRoutine,
		repair.ActionRestartRecognizer,
		repair.ActionRestartSynthesizer,
	}
	for i, want := range wantOrder {
		if plan[i].Action != want {
			t.Fatalf("position %d: got %s, want %s", i, plan[i].Action, want)
		}
	}
	for i := 1; i < len(plan); i++ {
		if plan[i-1].Priority > plan[i].Priority {
			t.Fatalf("plan not sorted by priority: %v", plan)
		}
	}
}

func TestPlanCapsAutoActions(t *testing.T) {
	p := New(2)
	report := health.Report{
		Recommendations: []repair.Action{
			repair.ActionRepairMicRoutine,
			repair.ActionResetPushToTalk,
			repair.ActionRebindHotkeys,
			repair.ActionRestartAudioDevice,
		},
	}

	plan := p.Plan(report)
	autoCount := 0
	for _, item := range plan {
		if item.Auto {
			autoCount++
		}
	}
	if autoCount != 2 {
		t.Fatalf("expected exactly 2 auto items, got %d", autoCount)
	}

	// The cap flips the lowest-priority excess items, so the first two sorted
	// items keep auto=true.
	if !plan[0].Auto || !plan[1].Auto {
		t.Fatalf("expected the highest-priority items to stay auto: %v", plan)
	}
	if plan[2].Auto || plan[3].Auto {
		t.Fatalf("expected excess items to require approval: %v", plan)
	}
}

func TestPlanMarksSelfUpdateAsApprovalOnly(t *testing.T) {
	p := New(0)
	report := health.Report{
		Recommendations: []repair.Action{repair.ActionRunSelfUpdate},
	}

	plan := p.Plan(report)
	if len(plan) != 1 {
		t.Fatalf("expected 1 item, got %d", len(plan))
	}
	if plan[0].Auto {
		t.Fatalf("self-update must never run unattended")
	}
	if plan[0].Priority != defaultPriority {
		t.Fatalf("expected default priority for self-update, got %d", plan[0].Priority)
	}
}

func TestPlanAttachesMatchingIssueAsReason(t *testing.T) {
	p := New(0)
	report := health.Report{
		Issues: []string{
			"recognizer: failed (CUDA out of memory)",
			"hotkeys: degraded (keyboard listener dead)",
		},
		Recommendations: []repair.Action{
			repair.ActionSwitchRecognizerToCPU,
			repair.ActionRebindHotkeys,
			repair.ActionReconnectAvatar,
		},
	}

	plan := p.Plan(report)
	byAction := make(map[repair.Action]repair.PlanItem, len(plan))
	for _, item := range plan {
		byAction[item.Action] = item
	}

	if got := byAction[repair.ActionSwitchRecognizerToCPU].Reason; got != "recognizer: failed (CUDA out of memory)" {
		t.Fatalf("unexpected reason for CPU switch: %q", got)
	}
	if got := byAction[repair.ActionRebindHotkeys].Reason; got != "hotkeys: degraded (keyboard listener dead)" {
		t.Fatalf("unexpected reason for hotkey rebind: %q", got)
	}
	if got := byAction[repair.ActionReconnectAvatar].Reason; got != fallbackReason {
		t.Fatalf("expected fallback reason for unmatched action, got %q", got)
	}
}

func TestAutoAndApprovalItemsPartitionThePlan(t *testing.T) {
	plan := []repair.PlanItem{
		{Action: repair.ActionRepairMicRoutine, Auto: true},
		{Action: repair.ActionRunSelfUpdate, Auto: false},
		{Action: repair.ActionRebindHotkeys, Auto: true},
	}

	auto := AutoItems(plan)
	approval := ApprovalItems(plan)
	if len(auto) != 2 || len(approval) != 1 {
		t.Fatalf("unexpected partition: auto=%d approval=%d", len(auto), len(approval))
	}
	if approval[0].Action != repair.ActionRunSelfUpdate {
		t.Fatalf("unexpected approval item: %v", approval[0])
	}
}

func TestPlanForCommandRoutesKnownPhrases(t *testing.T) {
	p := New(0)

	cases := []struct {
		command string
		actions []repair.Action
		auto    bool
	}{
		{"please fix mic, it's dead", []repair.Action{repair.ActionRepairMicRoutine}, true},
		{"can you fix speech recognition", []repair.Action{repair.ActionSwitchRecognizerToCPU, repair.ActionRestartRecognizer}, true},
		{"Fix Voice please", []repair.Action{repair.ActionRestartSynthesizer}, true},
		{"run the self update", []repair.Action{repair.ActionRunSelfUpdate}, false},
	}

	for _, tc := range cases {
		items := p.PlanForCommand(tc.command)
		if len(items) != len(tc.actions) {
			t.Fatalf("%q: expected %d items, got %d", tc.command, len(tc.actions), len(items))
		}
		for i, want := range tc.actions {
			if items[i].Action != want {
				t.Fatalf("%q: item %d got %s, want %s", tc.command, i, items[i].Action, want)
			}
			if items[i].Auto != tc.auto {
				t.Fatalf("%q: item %d auto=%v, want %v", tc.command, i, items[i].Auto, tc.auto)
			}
		}
	}
}

func TestPlanForCommandReturnsNilForUnknownRequests(t *testing.T) {
	p := New(0)
	if items := p.PlanForCommand("make me a sandwich"); items != nil {
		t.Fatalf("expected nil plan, got %v", items)
	}
}

func TestPlanForCommandReturnsACopy(t *testing.T) {
	p := New(0)
	first := p.PlanForCommand("fix mic")
	first[0].Reason = "mutated"

	second := p.PlanForCommand("fix mic")
	if second[0].Reason == "mutated" {
		t.Fatalf("route items must not share backing storage between calls")
	}
}
