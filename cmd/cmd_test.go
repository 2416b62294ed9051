package cmd

import "testing"

func TestSubcommandsRegistered(t *testing.T) {
	want := []string{"serve", "ingest", "version"}
	for _, name := range want {
		found := false
		for _, c := range rootCmd.Commands() {
			if c.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestParseFloodBurst(t *testing.T) {
	tests := []struct {
		name string
		env  string
		want int
	}{
		{"unset", "", 0},
		{"valid", "120", 120},
		{"zero", "0", 0},
		{"negative", "-5", 0},
		{"garbage", "lots", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SAGE_FLOOD_BURST", tt.env)
			if got := parseFloodBurst(); got != tt.want {
				t.Errorf("parseFloodBurst() = %d, want %d", got, tt.want)
			}
		})
	}
}
