package cliconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func boolPtr(b bool) *bool {
	return &b
}

func TestApplyFileConfig(t *testing.T) {
	tests := []struct {
		name     string
		fc       FileConfig
		changed  map[string]bool
		initial  Config
		expected Config
		wantErr  bool
	}{
		{
			name: "applies all file values",
			fc: FileConfig{
				SubgraphURL:       "http://localhost:8000/subgraphs/name/eip721",
				DomainStart:       "2021-04-01T00:00:00Z",
				SliceWidth:        "15m",
				VisibilityTimeout: "5m",
				BatchSize:         20,
				RequestsPerSecond: 1.5,
				Store:             "postgres",
				Once:              boolPtr(true),
			},
			changed: map[string]bool{},
			expected: Config{
				SubgraphURL:       "http://localhost:8000/subgraphs/name/eip721",
				DomainStart:       time.Date(2021, 4, 1, 0, 0, 0, 0, time.UTC),
				SliceWidth:        15 * time.Minute,
				VisibilityTimeout: 5 * time.Minute,
				BatchSize:         20,
				RequestsPerSecond: 1.5,
				Store:             "postgres",
				Once:              true,
			},
		},
		{
			name:     "skips changed flags",
			fc:       FileConfig{BatchSize: 20, SliceWidth: "15m"},
			changed:  map[string]bool{"batch": true, "slice-width": true},
			initial:  Config{BatchSize: 5, SliceWidth: time.Hour},
			expected: Config{BatchSize: 5, SliceWidth: time.Hour},
		},
		{
			name:     "keeps values the file leaves empty",
			fc:       FileConfig{},
			changed:  map[string]bool{},
			initial:  Config{BatchSize: 5, Store: "pebble", Once: true},
			expected: Config{BatchSize: 5, Store: "pebble", Once: true},
		},
		{
			name:    "returns error for invalid duration",
			fc:      FileConfig{MaxAge: "a day"},
			changed: map[string]bool{},
			wantErr: true,
		},
		{
			name:    "returns error for invalid time",
			fc:      FileConfig{DomainStart: "yesterday"},
			changed: map[string]bool{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.initial
			err := ApplyFileConfig(&cfg, tt.fc, tt.changed)

			if tt.wantErr {
				if err == nil {
					t.Error("ApplyFileConfig() expected error but got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("ApplyFileConfig() unexpected error: %v", err)
			}

			if cfg.SubgraphURL != tt.expected.SubgraphURL {
				t.Errorf("SubgraphURL = %v, want %v", cfg.SubgraphURL, tt.expected.SubgraphURL)
			}
			if !cfg.DomainStart.Equal(tt.expected.DomainStart) {
				t.Errorf("DomainStart = %v, want %v", cfg.DomainStart, tt.expected.DomainStart)
			}
			if cfg.SliceWidth != tt.expected.SliceWidth {
				t.Errorf("SliceWidth = %v, want %v", cfg.SliceWidth, tt.expected.SliceWidth)
			}
			if cfg.VisibilityTimeout != tt.expected.VisibilityTimeout {
				t.Errorf("VisibilityTimeout = %v, want %v", cfg.VisibilityTimeout, tt.expected.VisibilityTimeout)
			}
			if cfg.BatchSize != tt.expected.BatchSize {
				t.Errorf("BatchSize = %v, want %v", cfg.BatchSize, tt.expected.BatchSize)
			}
			if cfg.RequestsPerSecond != tt.expected.RequestsPerSecond {
				t.Errorf("RequestsPerSecond = %v, want %v", cfg.RequestsPerSecond, tt.expected.RequestsPerSecond)
			}
			if cfg.Store != tt.expected.Store {
				t.Errorf("Store = %v, want %v", cfg.Store, tt.expected.Store)
			}
			if cfg.Once != tt.expected.Once {
				t.Errorf("Once = %v, want %v", cfg.Once, tt.expected.Once)
			}
		})
	}
}

func TestLoadFileConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
subgraph_url = "http://localhost:8000/subgraphs/name/eip721"
domain_start = "2021-04-01T00:00:00Z"
slice_width = "30m"
page_size = 100
requests_per_second = 2.0
fill_schedule = "*/2 * * * *"
once = false
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	fc, err := LoadFileConfig(path)
	if err != nil {
		t.Fatalf("LoadFileConfig() error: %v", err)
	}
	if fc.SubgraphURL != "http://localhost:8000/subgraphs/name/eip721" {
		t.Errorf("SubgraphURL = %v", fc.SubgraphURL)
	}
	if fc.SliceWidth != "30m" {
		t.Errorf("SliceWidth = %v, want 30m", fc.SliceWidth)
	}
	if fc.PageSize != 100 {
		t.Errorf("PageSize = %v, want 100", fc.PageSize)
	}
	if fc.RequestsPerSecond != 2.0 {
		t.Errorf("RequestsPerSecond = %v, want 2", fc.RequestsPerSecond)
	}
	if fc.FillSchedule != "*/2 * * * *" {
		t.Errorf("FillSchedule = %v", fc.FillSchedule)
	}
	if fc.Once == nil || *fc.Once {
		t.Errorf("Once = %v, want explicit false", fc.Once)
	}
}

func TestLoadFileConfig_Errors(t *testing.T) {
	dir := t.TempDir()

	if _, err := LoadFileConfig(filepath.Join(dir, "missing.toml")); err == nil {
		t.Error("LoadFileConfig() of missing file expected error")
	}

	bad := filepath.Join(dir, "bad.toml")
	if err := os.WriteFile(bad, []byte("page_size = \"lots\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFileConfig(bad); err == nil {
		t.Error("LoadFileConfig() of mistyped file expected error")
	}
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if FileExists(path) {
		t.Error("FileExists() = true before write")
	}
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if !FileExists(path) {
		t.Error("FileExists() = false after write")
	}
}
