// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cli

import (
	"strings"
	"testing"
	"time"
)

func TestNewRootCommand(t *testing.T) {
	cmd := NewRootCommand()

	if cmd.Use != "cdktr" {
		t.Errorf("expected use 'cdktr', got %q", cmd.Use)
	}
	if cmd.Short == "" {
		t.Error("expected short description to be set")
	}
	if cmd.Long == "" {
		t.Error("expected long description to be set")
	}

	for _, name := range []string{"ping", "run", "workflows", "agents", "statuses", "logs", "validate", "examples"} {
		found := false
		for _, sub := range cmd.Commands() {
			if sub.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	if cmd.PersistentFlags().Lookup("principal") == nil {
		t.Error("principal flag not registered")
	}
	if cmd.PersistentFlags().Lookup("timeout") == nil {
		t.Error("timeout flag not registered")
	}
	if cmd.PersistentFlags().Lookup("json") == nil {
		t.Error("json flag not registered")
	}
}

func TestSetVersion(t *testing.T) {
	defer SetVersion("dev", "unknown", "unknown")

	SetVersion("1.2.3", "abc123", "2025-12-22")
	cmd := NewRootCommand()

	for _, want := range []string{"1.2.3", "abc123", "2025-12-22"} {
		if !strings.Contains(cmd.Version, want) {
			t.Errorf("version %q missing %q", cmd.Version, want)
		}
	}
}

func TestLoadConfigPrincipalOverride(t *testing.T) {
	defer func() { principalAddr = "" }()

	principalAddr = "10.1.2.3:7777"
	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.PrincipalHost != "10.1.2.3" {
		t.Errorf("expected host 10.1.2.3, got %q", cfg.PrincipalHost)
	}
	if cfg.PrincipalPort != 7777 {
		t.Errorf("expected port 7777, got %d", cfg.PrincipalPort)
	}

	principalAddr = "not-an-address"
	if _, err := loadConfig(); err == nil {
		t.Error("expected error for address without port")
	}

	principalAddr = "host:notaport"
	if _, err := loadConfig(); err == nil {
		t.Error("expected error for non-numeric port")
	}
}

func TestOriginValueSet(t *testing.T) {
	var o originValue

	if err := o.Set("manual"); err != nil {
		t.Fatalf("Set(manual): %v", err)
	}
	if string(o) != "MANUAL" {
		t.Errorf("expected MANUAL, got %q", string(o))
	}

	if err := o.Set("EXTERNAL"); err != nil {
		t.Fatalf("Set(EXTERNAL): %v", err)
	}
	if string(o) != "EXTERNAL" {
		t.Errorf("expected EXTERNAL, got %q", string(o))
	}

	if err := o.Set("scheduler"); err == nil {
		t.Error("expected scheduler origin to be rejected")
	}
	if err := o.Set("bogus"); err == nil {
		t.Error("expected bogus origin to be rejected")
	}
}

func TestParseTimeFlag(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	ms, err := parseTimeFlag("--since", "", now)
	if err != nil {
		t.Fatalf("empty value: %v", err)
	}
	if ms != 0 {
		t.Errorf("empty value should be unset, got %d", ms)
	}

	ms, err = parseTimeFlag("--since", "15m", now)
	if err != nil {
		t.Fatalf("duration value: %v", err)
	}
	if want := now.Add(-15 * time.Minute).UnixMilli(); ms != want {
		t.Errorf("expected %d, got %d", want, ms)
	}

	ms, err = parseTimeFlag("--until", "2025-06-01T11:00:00Z", now)
	if err != nil {
		t.Fatalf("timestamp value: %v", err)
	}
	if want := time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC).UnixMilli(); ms != want {
		t.Errorf("expected %d, got %d", want, ms)
	}

	if _, err := parseTimeFlag("--since", "-5m", now); err == nil {
		t.Error("expected negative duration to be rejected")
	}
	if _, err := parseTimeFlag("--since", "yesterday", now); err == nil {
		t.Error("expected unparseable value to be rejected")
	}
}
