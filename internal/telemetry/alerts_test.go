/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"os"
	"regexp"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

const alertsPath = "../../deploy/prometheus/alerts.yml"

type alertRule struct {
	Alert       string            `yaml:"alert"`
	Expr        string            `yaml:"expr"`
	For         string            `yaml:"for"`
	Labels      map[string]string `yaml:"labels"`
	Annotations map[string]string `yaml:"annotations"`
}

type alertGroup struct {
	Name  string      `yaml:"name"`
	Rules []alertRule `yaml:"rules"`
}

func loadAlerts(t *testing.T) []alertGroup {
	t.Helper()
	data, err := os.ReadFile(alertsPath)
	if err != nil {
		t.Skipf("alerts file not found at %s", alertsPath)
	}
	var cfg struct {
		Groups []alertGroup `yaml:"groups"`
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("invalid YAML in alerts.yml: %v", err)
	}
	if len(cfg.Groups) == 0 {
		t.Fatalf("alerts.yml has no groups")
	}
	return cfg.Groups
}

func TestCriticalAlertsPresent(t *testing.T) {
	names := map[string]bool{}
	for _, g := range loadAlerts(t) {
		for _, r := range g.Rules {
			names[r.Alert] = true
		}
	}
	for _, want := range []string{"HighAPIErrorRate", "DatabaseDown", "NoSweeperLeader"} {
		if !names[want] {
			t.Errorf("critical alert %q not found", want)
		}
	}
}

func TestAlertLabels(t *testing.T) {
	for _, g := range loadAlerts(t) {
		for _, r := range g.Rules {
			if r.Alert == "" {
				continue
			}
			if _, ok := r.Labels["severity"]; !ok {
				t.Errorf("alert %q missing severity label", r.Alert)
			}
			if _, ok := r.Annotations["summary"]; !ok {
				t.Errorf("alert %q missing summary annotation", r.Alert)
			}
		}
	}
}

// Every metric referenced by an alert must be declared in metrics.go.
func TestAlertMetricsDeclared(t *testing.T) {
	data, err := os.ReadFile("metrics.go")
	if err != nil {
		t.Fatalf("read metrics.go: %v", err)
	}
	declared := string(data)
	metricName := regexp.MustCompile(`chargequeue_[a-z_]+`)

	for _, g := range loadAlerts(t) {
		for _, r := range g.Rules {
			for _, name := range metricName.FindAllString(r.Expr, -1) {
				if !strings.Contains(declared, `"`+name+`"`) {
					t.Errorf("alert %q references undeclared metric %s", r.Alert, name)
				}
			}
		}
	}
}
