package mbox

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dhcgn/inbox-payout/model"
)

const archive = `From sender@example.com Mon Jan  2 15:04:05 2006
From: Banco <avisos@banco.example>
Subject: =?UTF-8?Q?=C2=A1Recibiste_un_pago!?=
Content-Type: text/plain; charset=utf-8

Monto: $10.00
Motivo: 0x70e1d904c1b50a4b77a38ffa4ec14217493484e3

From sender@example.com Mon Jan  2 15:05:05 2006
From: news@example.com
Subject: Weekly digest

>From the editor: nothing to pay.

From sender@example.com Mon Jan  2 15:06:05 2006
From: avisos@banco.example
Subject: Recibiste otro pago

Monto: 5
`

func collect(t *testing.T, src string) []model.InboundMessage {
	t.Helper()
	var msgs []model.InboundMessage
	err := Each(strings.NewReader(src), nil, func(msg model.InboundMessage) error {
		msgs = append(msgs, msg)
		return nil
	})
	if err != nil {
		t.Fatalf("Each: %v", err)
	}
	return msgs
}

func TestEach_Mbox(t *testing.T) {
	msgs := collect(t, archive)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}

	for i, msg := range msgs {
		if msg.ID != uint32(i+1) {
			t.Errorf("message %d: ID = %d", i, msg.ID)
		}
	}
	if msgs[0].Subject != "¡Recibiste un pago!" {
		t.Errorf("subject = %q", msgs[0].Subject)
	}
	if msgs[0].Sender != "avisos@banco.example" {
		t.Errorf("sender = %q", msgs[0].Sender)
	}
	if !strings.Contains(msgs[0].BodyText, "Monto: $10.00") {
		t.Errorf("body = %q", msgs[0].BodyText)
	}
	if !strings.Contains(msgs[1].BodyText, "From the editor") {
		t.Errorf("body = %q", msgs[1].BodyText)
	}
}

func TestEach_SingleMessage(t *testing.T) {
	msgs := collect(t, "From: a@example.com\r\nSubject: solo\r\n\r\nMonto: 1\r\n")
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].ID != 1 || msgs[0].Subject != "solo" {
		t.Errorf("unexpected message %+v", msgs[0])
	}
}

func TestReader_StopAndErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.mbox")
	if err := os.WriteFile(path, []byte(archive), 0o600); err != nil {
		t.Fatal(err)
	}

	reader, err := NewReader(path, nil)
	if err != nil {
		t.Fatal(err)
	}

	if count, err := reader.Count(); err != nil || count != 3 {
		t.Errorf("Count() = %d, %v", count, err)
	}

	seen := 0
	err = reader.Each(func(model.InboundMessage) error {
		seen++
		return ErrStop
	})
	if err != nil || seen != 1 {
		t.Errorf("ErrStop: err = %v, seen = %d", err, seen)
	}

	boom := errors.New("boom")
	if err := reader.Each(func(model.InboundMessage) error { return boom }); !errors.Is(err, boom) {
		t.Errorf("expected callback error, got %v", err)
	}

	if _, err := NewReader("  ", nil); err == nil {
		t.Error("expected error for empty path")
	}

	missing, _ := NewReader(filepath.Join(t.TempDir(), "missing.mbox"), nil)
	if err := missing.Each(func(model.InboundMessage) error { return nil }); err == nil {
		t.Error("expected error for missing file")
	}
}
