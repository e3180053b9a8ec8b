package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/rcliao/memrag/internal/logging"
	"github.com/rcliao/memrag/internal/memerr"
	"github.com/rcliao/memrag/internal/model"
)

// maxLineBytes bounds a single JSON line; longer lines are skipped.
const maxLineBytes = 16 << 20

// SkippedLine records a line that could not be parsed.
type SkippedLine struct {
	Tier   model.Tier `json:"tier"`
	Line   int        `json:"line"`
	Reason string     `json:"reason"`
}

// LoadReport summarizes recovery during LoadAll.
type LoadReport struct {
	Skipped    []SkippedLine `json:"skipped,omitempty"`
	Tombstoned int           `json:"tombstoned"`
}

// LoadAll streams every tier file. Malformed lines are skipped and reported;
// tombstone lines remove the entry they name. Entries come back in file
// order with their tier set from the file they were read from.
func (s *Storage) LoadAll() (map[model.Tier][]*model.Entry, LoadReport, error) {
	out := make(map[model.Tier][]*model.Entry, len(model.Tiers))
	var report LoadReport
	for _, t := range model.Tiers {
		entries, err := s.loadTier(t, &report)
		if err != nil {
			return nil, report, err
		}
		out[t] = entries
	}
	return out, report, nil
}

func (s *Storage) loadTier(t model.Tier, report *LoadReport) ([]*model.Entry, error) {
	f, err := os.Open(s.TierPath(t))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, memerr.Wrap(memerr.StorageFailed, "load "+string(t), err)
	}
	defer f.Close()

	var order []int64
	byID := make(map[int64]*model.Entry)

	skip := func(line int, reason, raw string) {
		report.Skipped = append(report.Skipped, SkippedLine{Tier: t, Line: line, Reason: reason})
		s.logger.Warn("skipping malformed line",
			zap.String("file", s.TierPath(t)),
			zap.Int("line", line),
			zap.String("reason", reason),
			zap.String("raw", logging.Truncate(raw, 200)))
	}

	r := bufio.NewReader(f)
	lineNo := 0
	for {
		raw, readErr := readLine(r)
		if raw == nil && readErr != nil {
			break
		}
		lineNo++
		text := strings.TrimSpace(string(raw))
		switch {
		case errors.Is(readErr, errLineTooLong):
			skip(lineNo, "line exceeds limit", text)
			continue
		case text == "":
			continue
		}

		var e model.Entry
		if err := json.Unmarshal([]byte(text), &e); err != nil {
			skip(lineNo, err.Error(), text)
			continue
		}
		if e.Deleted {
			if _, ok := byID[e.ID]; ok {
				delete(byID, e.ID)
				report.Tombstoned++
			}
			continue
		}
		if e.Content == "" {
			skip(lineNo, "missing content", text)
			continue
		}
		e.Tier = t
		if _, seen := byID[e.ID]; !seen {
			order = append(order, e.ID)
		}
		byID[e.ID] = &e
	}

	entries := make([]*model.Entry, 0, len(byID))
	for _, id := range order {
		if e, ok := byID[id]; ok {
			entries = append(entries, e)
			delete(byID, id)
		}
	}
	return entries, nil
}

var errLineTooLong = errors.New("line too long")

// readLine returns the next line without its terminator. Lines longer than
// maxLineBytes are drained and reported with errLineTooLong. At EOF it
// returns nil and io.EOF.
func readLine(r *bufio.Reader) ([]byte, error) {
	var buf []byte
	tooLong := false
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			if tooLong {
				return []byte{}, errLineTooLong
			}
			if len(buf) > 0 {
				return buf, nil
			}
			return nil, err
		}
		if !tooLong {
			buf = append(buf, chunk...)
			if len(buf) > maxLineBytes {
				tooLong = true
				buf = buf[:0]
			}
		}
		if !isPrefix {
			if tooLong {
				return []byte{}, errLineTooLong
			}
			if buf == nil {
				buf = []byte{}
			}
			return buf, nil
		}
	}
}

// ClearTier truncates tier's file.
func (s *Storage) ClearTier(t model.Tier) error {
	if !model.ValidTiers[t] {
		return memerr.New(memerr.TierUnknown, "clear", "unknown tier %q", t)
	}
	if err := s.RewriteTier(t, nil); err != nil {
		return fmt.Errorf("clear %s: %w", t, err)
	}
	return nil
}
