package gitsafe

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// hunk is one contiguous change block from a unified diff.
type hunk struct {
	oldStart int // 1-based line number in the original file
	lines    []hunkLine
}

type hunkLine struct {
	op   byte // ' ', '-', '+'
	text string
}

var hunkHeaderRe = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// ApplyPatch applies a unified diff to the named file inside the repository.
// Hunks are applied positionally: context and deletion lines must match the
// file content at the positions the hunk header declares (adjusted by the
// offset accumulated from earlier hunks), and any mismatch rejects the whole
// patch without touching the file.
func (l *Layer) ApplyPatch(file, patchText string) error {
	target := filepath.Join(l.root, filepath.FromSlash(file))
	data, err := os.ReadFile(target)
	if err != nil {
		return fmt.Errorf("read patch target: %w", err)
	}

	patched, err := applyHunks(string(data), patchText)
	if err != nil {
		return fmt.Errorf("apply patch to %s: %w", file, err)
	}

	info, err := os.Stat(target)
	if err != nil {
		return fmt.Errorf("stat patch target: %w", err)
	}
	if err := os.WriteFile(target, []byte(patched), info.Mode().Perm()); err != nil {
		return fmt.Errorf("write patched file: %w", err)
	}
	return nil
}

func applyHunks(original, patchText string) (string, error) {
	hunks, err := parseHunks(patchText)
	if err != nil {
		return "", err
	}
	if len(hunks) == 0 {
		return "", fmt.Errorf("patch contains no hunks")
	}

	trailingNewline := strings.HasSuffix(original, "\n")
	lines := strings.Split(original, "\n")
	if trailingNewline {
		lines = lines[:len(lines)-1]
	}

	var out []string
	cursor := 0 // next original line to copy, 0-based
	for i, h := range hunks {
		start := h.oldStart - 1
		if start < cursor {
			return "", fmt.Errorf("hunk %d overlaps previous hunk", i+1)
		}
		if start > len(lines) {
			return "", fmt.Errorf("hunk %d starts beyond end of file (line %d of %d)", i+1, h.oldStart, len(lines))
		}
		out = append(out, lines[cursor:start]...)
		cursor = start

		for _, hl := range h.lines {
			switch hl.op {
			case ' ':
				if cursor >= len(lines) || lines[cursor] != hl.text {
					return "", contextMismatch(i+1, cursor+1, hl.text, lineAt(lines, cursor))
				}
				out = append(out, lines[cursor])
				cursor++
			case '-':
				if cursor >= len(lines) || lines[cursor] != hl.text {
					return "", contextMismatch(i+1, cursor+1, hl.text, lineAt(lines, cursor))
				}
				cursor++
			case '+':
				out = append(out, hl.text)
			}
		}
	}
	out = append(out, lines[cursor:]...)

	result := strings.Join(out, "\n")
	if trailingNewline {
		result += "\n"
	}
	return result, nil
}

func parseHunks(patchText string) ([]hunk, error) {
	var hunks []hunk
	var current *hunk
	patchText = strings.TrimRight(patchText, "\n")
	for _, raw := range strings.Split(patchText, "\n") {
		if strings.HasPrefix(raw, "--- ") || strings.HasPrefix(raw, "+++ ") ||
			strings.HasPrefix(raw, "diff ") || strings.HasPrefix(raw, "index ") {
			continue
		}
		if match := hunkHeaderRe.FindStringSubmatch(raw); match != nil {
			oldStart, err := strconv.Atoi(match[1])
			if err != nil || oldStart < 1 {
				return nil, fmt.Errorf("invalid hunk header: %s", raw)
			}
			hunks = append(hunks, hunk{oldStart: oldStart})
			current = &hunks[len(hunks)-1]
			continue
		}
		if current == nil {
			continue
		}
		if raw == "" {
			// A bare empty line inside a hunk is an empty context line.
			current.lines = append(current.lines, hunkLine{op: ' ', text: ""})
			continue
		}
		switch raw[0] {
		case ' ', '-', '+':
			current.lines = append(current.lines, hunkLine{op: raw[0], text: raw[1:]})
		case '\\':
			// "\ No newline at end of file" markers carry no content.
		default:
			return nil, fmt.Errorf("malformed hunk line: %q", raw)
		}
	}
	for i, h := range hunks {
		if len(h.lines) == 0 {
			return nil, fmt.Errorf("hunk %d is empty", i+1)
		}
	}
	return hunks, nil
}

func contextMismatch(hunkNo, line int, want, got string) error {
	return fmt.Errorf("hunk %d does not match file at line %d: expected %q, found %q", hunkNo, line, want, got)
}

func lineAt(lines []string, i int) string {
	if i < 0 || i >= len(lines) {
		return "<end of file>"
	}
	return lines[i]
}
