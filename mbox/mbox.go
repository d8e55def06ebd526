// Package mbox reads archived mail for replay: either an mbox file or a
// single RFC 5322 message (.eml).
package mbox

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/inbox-payout/imap"
	"github.com/dhcgn/inbox-payout/model"
)

// ErrStop ends Each early without an error.
var ErrStop = errors.New("stop iteration")

type Reader struct {
	path   string
	logger *slog.Logger
}

func NewReader(path string, logger *slog.Logger) (*Reader, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}
	return &Reader{path: path, logger: logger}, nil
}

// Each calls fn for every message in file order. Messages are numbered from
// 1; that number stands in for the IMAP UID. Entries that cannot be parsed
// are logged and skipped.
func (r *Reader) Each(fn func(model.InboundMessage) error) error {
	file, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	err = Each(file, r.logger, fn)
	if errors.Is(err, ErrStop) {
		return nil
	}
	return err
}

// Each reads messages from src. A source that does not start with an mbox
// "From " separator line is treated as one message.
func Each(src io.Reader, logger *slog.Logger, fn func(model.InboundMessage) error) error {
	buffered := bufio.NewReader(src)
	head, _ := buffered.Peek(5)
	if !bytes.Equal(head, []byte("From ")) {
		raw, err := io.ReadAll(buffered)
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}
		msg, err := imap.ParseMessage(1, raw)
		if err != nil {
			return err
		}
		return fn(msg)
	}

	reader := mboxlib.NewReader(buffered)
	for id := uint32(1); ; id++ {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("message %d: %w", id, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return fmt.Errorf("message %d read: %w", id, err)
		}

		msg, err := imap.ParseMessage(id, raw)
		if err != nil {
			// try to continue
			if logger != nil {
				logger.Warn("mbox message skipped", "uid", id, "err", err)
			}
			continue
		}

		if err := fn(msg); err != nil {
			return err
		}
	}
}

// Count returns the number of messages Each would visit.
func (r *Reader) Count() (int, error) {
	count := 0
	err := r.Each(func(model.InboundMessage) error {
		count++
		return nil
	})
	return count, err
}
