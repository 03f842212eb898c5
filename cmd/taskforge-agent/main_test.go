package main

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Strob0t/TaskForge/internal/app"
	"github.com/Strob0t/TaskForge/internal/config"
)

func TestSplitList(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"linux", []string{"linux"}},
		{" linux , gpu,,docker ", []string{"linux", "gpu", "docker"}},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, splitList(tt.in)); diff != "" {
			t.Errorf("splitList(%q) mismatch (-want +got):\n%s", tt.in, diff)
		}
	}
}

func TestNotifiersFromSharedConfig(t *testing.T) {
	ns, err := app.Notifiers(config.Notify{
		SlackWebhookURL:   "https://hooks.slack.invalid/x",
		DiscordWebhookURL: "https://discord.invalid/api/webhooks/x",
		SMTP: config.SMTP{
			Host: "smtp.invalid",
			Port: 587,
			From: "taskforge@example.com",
			To:   []string{"ops@example.com"},
		},
	})
	if err != nil {
		t.Fatalf("Notifiers: %v", err)
	}
	if len(ns) != 3 {
		t.Fatalf("got %d notifiers, want 3", len(ns))
	}
}
