package prompts

import (
	"strings"
	"testing"
	"time"
)

func TestSystemPrompt_Default(t *testing.T) {
	now := time.Date(2026, 4, 20, 9, 0, 0, 0, time.UTC)
	got := SystemPrompt("", []string{"tracker", "crm", "calendar", "crm"}, now)

	if !strings.HasPrefix(got, "You are Jenny") {
		t.Error("default persona not used")
	}
	if !strings.Contains(got, "Today is 2026-04-20 (Monday)") {
		t.Errorf("date context missing:\n%s", got)
	}
	if !strings.Contains(got, "calendar, crm, tracker.") {
		t.Errorf("integrations not sorted and deduplicated:\n%s", got)
	}
}

func TestSystemPrompt_Persona(t *testing.T) {
	got := SystemPrompt("  You are Penny.\n", nil, time.Now())

	if strings.Contains(got, "You are Jenny") {
		t.Error("persona override ignored")
	}
	if !strings.HasPrefix(got, "You are Penny.\n\n## Context") {
		t.Errorf("persona not trimmed before context:\n%q", got[:30])
	}
	if !strings.Contains(got, "deployment: none.") {
		t.Error("empty integration list not reported")
	}
}

func TestBaseSystemPrompt_MentionsEveryIntegration(t *testing.T) {
	p := BaseSystemPrompt()
	for _, want := range []string{"Tracker", "CRM", "Calendar", "Messaging"} {
		if !strings.Contains(p, want) {
			t.Errorf("base prompt does not cover %s", want)
		}
	}
}
