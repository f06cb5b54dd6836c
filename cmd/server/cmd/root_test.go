package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

// executeCommand runs rootCmd with args and returns combined output. Help
// flags are reset afterwards because cobra commands are package-level.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
		resetHelp(rootCmd)
	})
	err := rootCmd.Execute()
	return buf.String(), err
}

func resetHelp(c *cobra.Command) {
	if f := c.Flags().Lookup("help"); f != nil {
		_ = f.Value.Set("false")
		f.Changed = false
	}
	for _, sub := range c.Commands() {
		resetHelp(sub)
	}
}

func TestRootCommand(t *testing.T) {
	tests := []struct {
		name           string
		args           []string
		expectedOutput string
		expectError    bool
	}{
		{
			name:           "help flag",
			args:           []string{"--help"},
			expectedOutput: "Painel Eleitoral server",
		},
		{
			name:           "short help flag",
			args:           []string{"-h"},
			expectedOutput: "votação por seção",
		},
		{
			name:           "invalid flag",
			args:           []string{"--invalid-flag"},
			expectedOutput: "unknown flag: --invalid-flag",
			expectError:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output, err := executeCommand(t, tt.args...)
			if tt.expectError && err == nil {
				t.Errorf("expected error but got none")
			}
			if !tt.expectError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if err != nil {
				output += err.Error()
			}
			if !strings.Contains(output, tt.expectedOutput) {
				t.Errorf("expected output to contain %q, got:\n%s", tt.expectedOutput, output)
			}
		})
	}
}

func TestRootCommandPersistentFlags(t *testing.T) {
	for _, flag := range []string{"config", "log-level", "log-format"} {
		if f := rootCmd.PersistentFlags().Lookup(flag); f == nil {
			t.Errorf("expected persistent flag %q to be defined", flag)
		}
	}
}

func TestRootCommandSubcommands(t *testing.T) {
	expected := []string{"serve", "version", "ingest", "upload", "migrate", "runs", "healthcheck"}
	registered := map[string]bool{}
	for _, sub := range rootCmd.Commands() {
		registered[sub.Name()] = true
	}
	for _, name := range expected {
		if !registered[name] {
			t.Errorf("expected subcommand %q to be registered", name)
		}
	}
}

func TestSubcommandHelp(t *testing.T) {
	tests := []struct {
		args     []string
		expected []string
	}{
		{[]string{"ingest", "--help"}, []string{"--parallel", "--encoding", "--count-rows", "--output", "--continue-on-error"}},
		{[]string{"upload", "--help"}, []string{"--server", "--raw", "--timeout"}},
		{[]string{"migrate", "--help"}, []string{"--path", "--skip-jobs", "River job queue"}},
		{[]string{"runs", "list", "--help"}, []string{"--status", "--limit", "--json"}},
		{[]string{"runs", "prune", "--help"}, []string{"--older-than", "--dry-run"}},
		{[]string{"healthcheck", "--help"}, []string{"--url", "--slot", "--retries", "--format", "Exit codes"}},
	}

	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			output, err := executeCommand(t, tt.args...)
			if err != nil {
				t.Fatalf("%v failed: %v", tt.args, err)
			}
			for _, want := range tt.expected {
				if !strings.Contains(output, want) {
					t.Errorf("expected help text to contain %q, got:\n%s", want, output)
				}
			}
		})
	}
}

func TestCommandArgumentErrors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"ingest without files", []string{"ingest"}, "requires at least 1 arg"},
		{"upload without files", []string{"upload"}, "requires at least 1 arg"},
		{"migrate with args", []string{"migrate", "down"}, "unknown command"},
		{"runs list bad status", []string{"runs", "list", "--status", "pending"}, "--status must be"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := executeCommand(t, tt.args...)
			if err == nil {
				t.Fatal("expected error but got none")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
	runsStatus = ""
}
