package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// checkKind is the verdict shown for one line of `status` or `cache verify`.
type checkKind int

const (
	checkOK checkKind = iota
	checkSkip
	checkWarn
	checkFail
)

var checkLabels = map[checkKind]string{
	checkOK:   "OK",
	checkSkip: "SKIP",
	checkWarn: "WARN",
	checkFail: "FAIL",
}

var checkColors = map[checkKind]string{
	checkOK:   "\x1b[32m",
	checkSkip: "\x1b[2m",
	checkWarn: "\x1b[33m",
	checkFail: "\x1b[31m",
}

const ansiReset = "\x1b[0m"

type checkLine struct {
	subject string
	kind    checkKind
	detail  string
}

// printChecks writes one dot-led line per check, aligned on the longest
// subject, and returns how many lines were not OK or skipped.
func printChecks(out io.Writer, lines []checkLine) int {
	colorize := isTerminal(out)
	width := 0
	for _, l := range lines {
		width = max(width, len(l.subject))
	}

	problems := 0
	for _, l := range lines {
		if l.kind == checkWarn || l.kind == checkFail {
			problems++
		}
		verdict := "[" + checkLabels[l.kind] + "]"
		if colorize {
			verdict = checkColors[l.kind] + verdict + ansiReset
		}
		leader := strings.Repeat(".", width-len(l.subject)+3)
		line := fmt.Sprintf("  %s %s %s", l.subject, leader, verdict)
		if l.detail != "" {
			line += " " + l.detail
		}
		fmt.Fprintln(out, line)
	}
	return problems
}

func isTerminal(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
