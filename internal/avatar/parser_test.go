package avatar

import "testing"

func TestParseSimpleCommand(t *testing.T) {
	p := NewParser()
	result := p.Parse("Hello [yolla:move center] world!")
	if result != "Hello  world!" {
		t.Errorf("result = %q", result)
	}
	cmd, ok := p.NextCommand()
	if !ok || cmd.Kind != CmdMoveTo || cmd.Pos.Kind != PosCenter {
		t.Errorf("cmd = %+v, ok = %v", cmd, ok)
	}
}

func TestParseMultipleCommands(t *testing.T) {
	p := NewParser()
	result := p.Parse("[yolla:mood happy][yolla:move tr]Hi!")
	if result != "Hi!" {
		t.Errorf("result = %q", result)
	}
	cmd, _ := p.NextCommand()
	if cmd.Kind != CmdMood || cmd.Mood != MoodHappy {
		t.Errorf("first cmd = %+v", cmd)
	}
	cmd, _ = p.NextCommand()
	if cmd.Kind != CmdMoveTo || cmd.Pos.Kind != PosTopRight {
		t.Errorf("second cmd = %+v", cmd)
	}
	if p.HasCommands() {
		t.Error("commands left over")
	}
}

func TestPreserveNormalBrackets(t *testing.T) {
	p := NewParser()
	input := "Array[0] and [other] text"
	if result := p.Parse(input); result != input {
		t.Errorf("result = %q, want identity", result)
	}
	if p.HasCommands() {
		t.Error("queued a command from non-command brackets")
	}
}

func TestIdentityOnPlainText(t *testing.T) {
	p := NewParser()
	inputs := []string{
		"no brackets at all",
		"unterminated [bracket at end",
		"nested [a[b]c] stuff",
		"[]",
		"trailing [",
	}
	for _, in := range inputs {
		if out := p.Parse(in); out != in {
			t.Errorf("Parse(%q) = %q, want identity", in, out)
		}
	}
	if p.HasCommands() {
		t.Error("commands queued from plain text")
	}
}

func TestStripExactness(t *testing.T) {
	p := NewParser()
	in := "a[x][yolla:wave]b[1][yolla:mood happy]c"
	out := p.Parse(in)
	if out != "a[x]b[1]c" {
		t.Errorf("out = %q", out)
	}
	if cmd, _ := p.NextCommand(); cmd.Gesture != GestureWave {
		t.Errorf("first = %+v", cmd)
	}
	if cmd, _ := p.NextCommand(); cmd.Mood != MoodHappy {
		t.Errorf("second = %+v", cmd)
	}
}

func TestUnknownVerbConsumed(t *testing.T) {
	p := NewParser()
	out := p.Parse("x[yolla:frobnicate 1 2]y")
	if out != "xy" {
		t.Errorf("out = %q", out)
	}
	if p.HasCommands() {
		t.Error("unknown verb queued a command")
	}
}

func TestParsePercentPosition(t *testing.T) {
	p := NewParser()
	if out := p.Parse("[yolla:move 50 75]"); out != "" {
		t.Errorf("out = %q", out)
	}
	cmd, _ := p.NextCommand()
	if cmd.Kind != CmdMoveTo || cmd.Pos.Kind != PosPercent || cmd.Pos.X != 50 || cmd.Pos.Y != 75 {
		t.Errorf("cmd = %+v", cmd)
	}
}

func TestPercentClamped(t *testing.T) {
	p := NewParser()
	p.Parse("[yolla:point 150 200]")
	cmd, _ := p.NextCommand()
	if cmd.X != 100 || cmd.Y != 100 {
		t.Errorf("cmd = %+v", cmd)
	}
}

func TestParseMoveAliases(t *testing.T) {
	cases := map[string]PositionKind{
		"tl": PosTopLeft, "topleft": PosTopLeft, "top-left": PosTopLeft,
		"tr": PosTopRight, "br": PosBottomRight, "bl": PosBottomLeft,
		"center": PosCenter, "middle": PosCenter, "follow": PosFollow,
	}
	for arg, want := range cases {
		p := NewParser()
		p.Parse("[yolla:move " + arg + "]")
		cmd, ok := p.NextCommand()
		if !ok || cmd.Pos.Kind != want {
			t.Errorf("move %s: cmd = %+v", arg, cmd)
		}
	}
}

func TestParseGesturesAndReactions(t *testing.T) {
	p := NewParser()
	p.Parse("[yolla:wave][yolla:react lol][yolla:peek left][yolla:tada]")

	cmd, _ := p.NextCommand()
	if cmd.Kind != CmdGesture || cmd.Gesture != GestureWave {
		t.Errorf("wave = %+v", cmd)
	}
	cmd, _ = p.NextCommand()
	if cmd.Kind != CmdReact || cmd.Reaction != ReactLaugh {
		t.Errorf("react lol = %+v", cmd)
	}
	cmd, _ = p.NextCommand()
	if cmd.Gesture != GesturePeek || cmd.PeekDir != PeekLeft {
		t.Errorf("peek = %+v", cmd)
	}
	cmd, _ = p.NextCommand()
	if cmd.Reaction != ReactTada {
		t.Errorf("tada = %+v", cmd)
	}
}

func TestParseWanderStop(t *testing.T) {
	p := NewParser()
	p.Parse("[yolla:wander][yolla:stop]")
	cmd, _ := p.NextCommand()
	if cmd.Kind != CmdWander || !cmd.Enabled {
		t.Errorf("wander = %+v", cmd)
	}
	cmd, _ = p.NextCommand()
	if cmd.Kind != CmdWander || cmd.Enabled {
		t.Errorf("stop = %+v", cmd)
	}
}

func TestParseTaskCommands(t *testing.T) {
	p := NewParser()
	p.Parse("[yolla:task start ethical-hacker audit the crypto module]")
	cmd, ok := p.NextCommand()
	if !ok || cmd.Kind != CmdTask {
		t.Fatalf("cmd = %+v", cmd)
	}
	if cmd.Task.Verb != TaskStart || cmd.Task.Agent != "ethical-hacker" ||
		cmd.Task.Description != "audit the crypto module" {
		t.Errorf("task = %+v", cmd.Task)
	}

	p.Parse("[yolla:task progress task_1 50][yolla:task done task_1][yolla:task fail task_2 out of disk]")
	cmd, _ = p.NextCommand()
	if cmd.Task.Verb != TaskProgress || cmd.Task.TaskID != "task_1" || cmd.Task.Percent != 50 {
		t.Errorf("progress = %+v", cmd.Task)
	}
	cmd, _ = p.NextCommand()
	if cmd.Task.Verb != TaskDone || cmd.Task.TaskID != "task_1" {
		t.Errorf("done = %+v", cmd.Task)
	}
	cmd, _ = p.NextCommand()
	if cmd.Task.Verb != TaskFail || cmd.Task.Reason != "out of disk" {
		t.Errorf("fail = %+v", cmd.Task)
	}
}

func TestParseTaskFailDefaultReason(t *testing.T) {
	p := NewParser()
	p.Parse("[yolla:task fail task_9]")
	cmd, _ := p.NextCommand()
	if cmd.Task.Reason != "Unknown error" {
		t.Errorf("reason = %q", cmd.Task.Reason)
	}
}

func TestParseQuotedDescription(t *testing.T) {
	p := NewParser()
	p.Parse(`[yolla:task start qa-engineer "run the suite"]`)
	cmd, _ := p.NextCommand()
	if cmd.Task.Description != "run the suite" {
		t.Errorf("description = %q", cmd.Task.Description)
	}
}

func TestCommandSplitAcrossTokensNotRecognized(t *testing.T) {
	// The parser carries no partial span from one call to the next; a span
	// split across calls is plain text in each.
	p := NewParser()
	out1 := p.Parse("[yolla:wa")
	out2 := p.Parse("ve]")
	if p.HasCommands() {
		t.Error("split span recognized as command")
	}
	if out1 != "[yolla:wa" || out2 != "ve]" {
		t.Errorf("outputs = %q, %q", out1, out2)
	}
}

func TestStateApplyCommand(t *testing.T) {
	s := NewState()
	if !s.Visible || !s.Wandering {
		t.Fatal("unexpected defaults")
	}

	s.ApplyCommand(Command{Kind: CmdHide})
	if s.Visible {
		t.Error("hide failed")
	}

	s.ApplyCommand(Command{Kind: CmdMoveTo, Pos: Position{Kind: PosCenter}})
	if s.TargetPosition.Kind != PosCenter || s.Wandering {
		t.Error("move did not retarget and stop wandering")
	}

	s.ApplyCommand(Command{Kind: CmdMood, Mood: MoodThinking})
	if s.Mood != MoodThinking {
		t.Error("mood not applied")
	}

	s.ApplyCommand(Command{Kind: CmdGesture, Gesture: GestureSpin})
	if s.CurrentGesture == nil || *s.CurrentGesture != GestureSpin {
		t.Error("gesture not applied")
	}
	s.ApplyCommand(Command{Kind: CmdReact, Reaction: ReactGasp})
	if s.CurrentGesture != nil || s.CurrentReaction == nil {
		t.Error("reaction did not replace gesture")
	}
}

func TestSuggestedAnimation(t *testing.T) {
	s := NewState()
	if s.SuggestedAnimation() != "happy" {
		t.Errorf("default = %q", s.SuggestedAnimation())
	}
	g := GestureNod
	s.CurrentGesture = &g
	if s.SuggestedAnimation() != "talking" {
		t.Errorf("nod = %q", s.SuggestedAnimation())
	}
}
