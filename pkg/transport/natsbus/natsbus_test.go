package natsbus

import "testing"

func TestSubjectMapping(t *testing.T) {
	tests := []struct {
		topic string
		want  string
	}{
		{"luminode/dev-1/programs/load", "luminode.dev-1.programs.load"},
		{"luminode/broadcast/programs/load", "luminode.broadcast.programs.load"},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		if got := subject(tt.topic); got != tt.want {
			t.Errorf("subject(%q) = %q, want %q", tt.topic, got, tt.want)
		}
	}
}

func TestConnectRequiresURL(t *testing.T) {
	if _, err := Connect(Config{}, nil); err == nil {
		t.Fatal("expected error without a broker url")
	}
}
