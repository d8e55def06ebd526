package filter

import (
	"testing"

	"github.com/dhcgn/inbox-payout/model"
)

func TestClassifier_Subject(t *testing.T) {
	c, err := NewClassifier(Options{SubjectMarker: "recibiste"})
	if err != nil {
		t.Fatalf("NewClassifier() error = %v", err)
	}

	tests := []struct {
		subject string
		want    bool
	}{
		{subject: "¡Recibiste pago", want: true},
		{subject: "  RECIBISTE un pago de $10", want: true},
		{subject: "!recibiste", want: true},
		{subject: "Recibo adjunto", want: false},
		{subject: "Fwd: ¡Recibiste pago", want: false},
		{subject: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			got := c.Matches(model.InboundMessage{Subject: tt.subject})
			if got != tt.want {
				t.Errorf("Matches(%q) = %v, want %v", tt.subject, got, tt.want)
			}
		})
	}
}

func TestClassifier_MarkerWithPunctuation(t *testing.T) {
	c, err := NewClassifier(Options{SubjectMarker: "¡Recibiste"})
	if err != nil {
		t.Fatalf("NewClassifier() error = %v", err)
	}
	if !c.Matches(model.InboundMessage{Subject: "recibiste pago"}) {
		t.Error("Expected marker punctuation to be ignored")
	}
}

func TestClassifier_SenderAllowList(t *testing.T) {
	c, err := NewClassifier(Options{SubjectMarker: "recibiste", Sender: "Pagos <no-reply@pagos.example>"})
	if err != nil {
		t.Fatalf("NewClassifier() error = %v", err)
	}

	allowed := model.InboundMessage{Subject: "¡Recibiste pago", Sender: "Pagos Bot <No-Reply@Pagos.example>"}
	if !c.Matches(allowed) {
		t.Error("Expected allow-listed sender to match")
	}

	other := model.InboundMessage{Subject: "¡Recibiste pago", Sender: "attacker@evil.example"}
	if c.Matches(other) {
		t.Error("Expected foreign sender to be rejected")
	}
}

func TestClassifier_SenderCheckDisabled(t *testing.T) {
	c, err := NewClassifier(Options{SubjectMarker: "recibiste"})
	if err != nil {
		t.Fatalf("NewClassifier() error = %v", err)
	}
	if !c.Matches(model.InboundMessage{Subject: "Recibiste", Sender: "anyone@example.com"}) {
		t.Error("Expected any sender to match when the allow-list is off")
	}
}

func TestNewClassifier_Validation(t *testing.T) {
	if _, err := NewClassifier(Options{}); err == nil {
		t.Error("Expected error for empty marker")
	}
	if _, err := NewClassifier(Options{SubjectMarker: "x", Sender: "not an address"}); err == nil {
		t.Error("Expected error for invalid sender")
	}
}
