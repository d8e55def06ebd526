package imap

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/dhcgn/inbox-payout/model"

	_ "github.com/emersion/go-message/charset"
)

// ParseMessage decodes a raw RFC 5322 message into the pipeline's view of it.
// Unknown charsets are tolerated; the affected parts keep their raw bytes.
func ParseMessage(uid uint32, raw []byte) (model.InboundMessage, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return model.InboundMessage{}, fmt.Errorf("parse message %d: %w", uid, err)
	}

	msg := model.InboundMessage{ID: uid}
	header := mail.Header{Header: entity.Header}

	if from, err := header.AddressList("From"); err == nil && len(from) > 0 {
		msg.Sender = from[0].Address
	} else if raw := header.Get("From"); raw != "" {
		msg.Sender = strings.TrimSpace(raw)
	}
	for _, key := range []string{"To", "Cc"} {
		addrs, err := header.AddressList(key)
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			msg.Recipients = append(msg.Recipients, addr.Address)
		}
	}
	if subject, err := header.Subject(); err == nil {
		msg.Subject = subject
	} else {
		msg.Subject = header.Get("Subject")
	}

	var text, html []string
	walkErr := entity.Walk(func(_ []int, part *message.Entity, err error) error {
		if err != nil && !message.IsUnknownCharset(err) {
			return err
		}
		if part.MultipartReader() != nil {
			return nil
		}

		mediaType, params, _ := part.Header.ContentType()
		disposition, dispParams, _ := part.Header.ContentDisposition()
		if name := attachmentName(disposition, dispParams, params); name != "" {
			msg.Attachments = append(msg.Attachments, name)
			return nil
		}

		switch strings.ToLower(mediaType) {
		case "text/plain", "":
			body, err := readBody(part.Body)
			if err != nil {
				return err
			}
			text = append(text, body)
		case "text/html":
			body, err := readBody(part.Body)
			if err != nil {
				return err
			}
			html = append(html, body)
		}
		return nil
	})
	if walkErr != nil {
		return msg, fmt.Errorf("read message %d body: %w", uid, walkErr)
	}

	msg.BodyText = strings.Join(text, "\n")
	msg.BodyHTML = strings.Join(html, "\n")
	return msg, nil
}

func attachmentName(disposition string, dispParams, typeParams map[string]string) string {
	name := dispParams["filename"]
	if name == "" {
		name = typeParams["name"]
	}
	if strings.EqualFold(disposition, "attachment") && name == "" {
		name = "unnamed"
	}
	if name == "" {
		return ""
	}
	if decoded, err := new(mime.WordDecoder).DecodeHeader(name); err == nil {
		name = decoded
	}
	return name
}

func readBody(r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return "", err
	}
	return string(data), nil
}
