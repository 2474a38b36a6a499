// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import "testing"

func TestResourceConfigHasLimits(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		config   ResourceConfig
		expected bool
	}{
		{"no limits", ResourceConfig{}, false},
		{"tasks_max only", ResourceConfig{TasksMax: 100}, true},
		{"memory_max only", ResourceConfig{MemoryMax: "4G"}, true},
		{"cpu_quota only", ResourceConfig{CPUQuota: "200%"}, true},
		{"cpu_weight only", ResourceConfig{CPUWeight: 50}, true},
		{"all limits", ResourceConfig{TasksMax: 100, MemoryMax: "4G", CPUQuota: "200%"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.config.HasLimits(); got != tt.expected {
				t.Errorf("HasLimits() = %v, expected %v", got, tt.expected)
			}
		})
	}
}

func TestDefaultSecurity(t *testing.T) {
	t.Parallel()

	sec := DefaultSecurity()
	if !sec.NewSession || !sec.DieWithParent || !sec.NoNewPrivs {
		t.Errorf("expected all security flags set, got %+v", sec)
	}
}
