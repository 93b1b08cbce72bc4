package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/marketctl/internal/journal"
	"github.com/danmuck/marketctl/internal/provision"
	"github.com/danmuck/marketctl/internal/testutil/testlog"
)

// simConfig writes a config for an offline run rooted in a temp dir.
func simConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "marketctl.toml")
	content := fmt.Sprintf(`
keypair = %q
journal = %q
export_dir = %q
confirm_timeout = "2s"

[poll]
initial_delay = "1ms"
multiplier = 1.0
max_delay = "5ms"
jitter = false
`, filepath.Join(dir, "missing.json"), filepath.Join(dir, "journal.db"), dir)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path, dir
}

func script(lines ...string) *strings.Reader {
	return strings.NewReader(strings.Join(lines, "\n") + "\n")
}

// wizardAnswers accepts every default except the inputs without one.
var wizardAnswers = []string{
	"acme",                       // name
	"",                           // fee recipient
	"0.5",                        // fee percent
	"",                           // link existing resources
	"",                           // collection name
	"https://example.com/c.json", // collection uri
	"",                           // tree preset
	"",                           // verify
	"",                           // collection address
	"",                           // tree address
	"",                           // write export
}

func TestWizardRunsToCompleteOffline(t *testing.T) {
	testlog.Start(t)
	path, dir := simConfig(t)
	var out bytes.Buffer
	err := run(context.Background(), []string{"-config", path, "-sim", "-yes", "setup"}, script(wizardAnswers...), &out)
	if err != nil {
		t.Fatalf("setup: %v\n%s", err, out.String())
	}
	text := out.String()
	for _, want := range []string{"Setup complete.", "acme Collection", "solscan.io/tx/", "Wrote "} {
		if !strings.Contains(text, want) {
			t.Fatalf("output missing %q:\n%s", want, text)
		}
	}
	files, err := filepath.Glob(filepath.Join(dir, "depredict-market-creator-config-*.json"))
	if err != nil || len(files) != 1 {
		t.Fatalf("export files: %v %v", files, err)
	}

	j, err := journal.Open(context.Background(), filepath.Join(dir, "journal.db"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer j.Close()
	exports, err := j.Exports(context.Background(), 5)
	if err != nil || len(exports) != 1 || exports[0].Path != files[0] {
		t.Fatalf("journal exports: %+v %v", exports, err)
	}
	subs, err := j.Submissions(context.Background(), 20)
	if err != nil || len(subs) < 4 {
		t.Fatalf("journal submissions: %d %v", len(subs), err)
	}
}

func TestWizardRetriesRejectedInput(t *testing.T) {
	testlog.Start(t)
	path, _ := simConfig(t)
	var out bytes.Buffer
	answers := []string{"acme", "", "35", "y", "acme", "", "2", "exit"}
	err := run(context.Background(), []string{"-config", path, "-sim", "-yes"}, script(answers...), &out)
	if err != nil {
		t.Fatalf("setup: %v\n%s", err, out.String())
	}
	text := out.String()
	if !strings.Contains(text, "Fee must be between 0% and 20%") {
		t.Fatalf("expected fee range message:\n%s", text)
	}
	if !strings.Contains(text, "Step:       create_collection") || !strings.Contains(text, "Leaving setup") {
		t.Fatalf("expected to stop at the collection step:\n%s", text)
	}
}

func TestManagerAfterSetup(t *testing.T) {
	testlog.Start(t)
	path, _ := simConfig(t)
	cfg, err := resolveConfig(cliOptions{configPath: path, yes: true})
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	var out bytes.Buffer
	ctx := context.Background()
	app, err := newApp(ctx, cfg, cliOptions{sim: true}, script(wizardAnswers...), &out)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer app.Close()
	if err := app.runWizard(ctx); err != nil {
		t.Fatalf("wizard: %v\n%s", err, out.String())
	}
	if s := app.machine.Session(); s.Step != provision.StepComplete {
		t.Fatalf("step %s after wizard", s.Step)
	}

	out.Reset()
	// fee rate, market with defaults, list, resolve, overview, exit
	app.in = bufio.NewReader(script(
		"3", "1.25",
		"5", "Will it rain?", "https://example.com/m.json", "", "", "", "", "",
		"4",
		"6", "1", "yes", "y",
		"1",
		"7",
	))
	if err := app.runManager(ctx); err != nil {
		t.Fatalf("manager: %v\n%s", err, out.String())
	}
	text := out.String()
	for _, want := range []string{
		"update-fee-rate confirmed",
		"create-market confirmed",
		"market id: 1",
		"Will it rain?",
		"resolve-market confirmed",
		"1.25% (125 bps)",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("output missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "Failed:") {
		t.Fatalf("unexpected failure:\n%s", text)
	}
}

func TestPresetsUsesGroupedNumbers(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), []string{"presets"}, strings.NewReader(""), &out); err != nil {
		t.Fatalf("presets: %v", err)
	}
	text := out.String()
	if !strings.Contains(text, "65,536") || !strings.Contains(text, "1,073,741,824") {
		t.Fatalf("expected grouped leaf counts:\n%s", text)
	}
	if strings.Count(text, "*") != 1 {
		t.Fatalf("expected one default marker:\n%s", text)
	}
}

func TestStatusAndUnknownCommand(t *testing.T) {
	testlog.Start(t)
	path, _ := simConfig(t)
	var out bytes.Buffer
	if err := run(context.Background(), []string{"-config", path, "-sim", "status"}, strings.NewReader(""), &out); err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out.String(), "Step:       create_authority") {
		t.Fatalf("status output:\n%s", out.String())
	}
	if err := run(context.Background(), []string{"-config", path, "-sim", "launch"}, strings.NewReader(""), &out); err == nil {
		t.Fatalf("expected unknown command error")
	}
}
