package protocol

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sikt-no/zino/internal/domain"
)

// doPM dispatches the PM ADD/CANCEL/LIST/DETAILS/MATCHING/ADDLOG/LOG/HELP
// subcommands, all reached through the single PM verb.
func (s *commandSession) doPM(rest string) {
	sub, args := splitCommand(rest)
	switch sub {
	case "ADD":
		s.doPMAdd(args)
	case "CANCEL":
		s.doPMCancel(args)
	case "LIST":
		s.doPMList()
	case "DETAILS":
		s.doPMDetails(args)
	case "ADDLOG":
		s.beginPMAddLog(args)
	case "LOG":
		s.doPMLog(args)
	case "MATCHING":
		s.doPMMatching(args)
	case "HELP":
		s.doPMHelp()
	default:
		_ = respondSimple(s.w, CodeError, "unknown PM subcommand")
	}
}

// doPMAdd handles "PM ADD <from_t> <to_t> <type> <match_type> [<match_dev>] <match_expr>",
// where match_expr may contain internal spaces (regexp alternations) and so
// is always the remainder of the line.
func (s *commandSession) doPMAdd(rest string) {
	parts := strings.SplitN(rest, " ", 6)
	if len(parts) < 5 {
		_ = respondSimple(s.w, CodeError, "usage: PM ADD <from> <to> <type> <matchtype> [<device>] <expr>")
		return
	}
	fromUnix, err1 := strconv.ParseInt(parts[0], 10, 64)
	toUnix, err2 := strconv.ParseInt(parts[1], 10, 64)
	if err1 != nil || err2 != nil {
		_ = respondSimple(s.w, CodeError, "invalid timestamp")
		return
	}
	targetType := domain.PMTargetType(parts[2])
	matchType := domain.MatchType(parts[3])

	var device, expr string
	remaining := parts[4:]
	if matchType == domain.MatchIntfRegexp {
		if len(remaining) < 2 {
			_ = respondSimple(s.w, CodeError, "intf-regexp requires a device and an expression")
			return
		}
		device = remaining[0]
		expr = strings.Join(remaining[1:], " ")
	} else {
		expr = strings.Join(remaining, " ")
	}

	pm := &domain.PlannedMaintenance{
		StartTime:       time.Unix(fromUnix, 0),
		EndTime:         time.Unix(toUnix, 0),
		TargetType:      targetType,
		MatchType:       matchType,
		MatchDevice:     device,
		MatchExpression: expr,
	}
	id := s.cfg.PMs.Add(pm)
	s.audit(fmt.Sprintf("PM ADD %s", rest))
	_ = respondSimple(s.w, CodeOK, strconv.Itoa(id))
}

func (s *commandSession) doPMCancel(rest string) {
	id, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		_ = respondSimple(s.w, CodeError, "invalid PM id")
		return
	}
	if !s.cfg.PMs.Cancel(id) {
		_ = respondSimple(s.w, CodeError, "no such PM")
		return
	}
	s.audit(fmt.Sprintf("PM CANCEL %d", id))
	_ = respondSimple(s.w, CodeOK, "cancelled")
}

func (s *commandSession) doPMList() {
	var lines []string
	for _, pm := range s.cfg.PMs.List() {
		lines = append(lines, pm.Details())
	}
	_ = respondMultiline(s.w, CodeLogFollows, "planned maintenance", lines)
}

func (s *commandSession) doPMDetails(rest string) {
	id, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		_ = respondSimple(s.w, CodeError, "invalid PM id")
		return
	}
	pm := s.cfg.PMs.Get(id)
	if pm == nil {
		_ = respondSimple(s.w, CodeError, "no such PM")
		return
	}
	lines := []string{pm.Details()}
	for _, entry := range pm.Log {
		lines = append(lines, fmt.Sprintf("%d %s", entry.Timestamp.Unix(), entry.Text))
	}
	_ = respondMultiline(s.w, CodeLogFollows, "pm details", lines)
}

func (s *commandSession) doPMMatching(rest string) {
	id, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		_ = respondSimple(s.w, CodeError, "invalid PM id")
		return
	}
	pm := s.cfg.PMs.Get(id)
	if pm == nil {
		_ = respondSimple(s.w, CodeError, "no such PM")
		return
	}
	var lines []string
	for _, evID := range pm.EventIDs {
		lines = append(lines, strconv.FormatInt(evID, 10))
	}
	_ = respondMultiline(s.w, CodeCaseIDsFollow, "matched cases", lines)
}

func (s *commandSession) doPMLog(rest string) {
	id, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		_ = respondSimple(s.w, CodeError, "invalid PM id")
		return
	}
	pm := s.cfg.PMs.Get(id)
	if pm == nil {
		_ = respondSimple(s.w, CodeError, "no such PM")
		return
	}
	var lines []string
	for _, entry := range pm.Log {
		lines = append(lines, fmt.Sprintf("%d %s", entry.Timestamp.Unix(), entry.Text))
	}
	_ = respondMultiline(s.w, CodeLogFollows, "pm log", lines)
}

func (s *commandSession) doPMHelp() {
	lines := []string{
		"PM ADD <from> <to> <type> <matchtype> [<device>] <expr>",
		"PM CANCEL <id>",
		"PM LIST",
		"PM DETAILS <id>",
		"PM LOG <id>",
		"PM ADDLOG <id>",
		"PM MATCHING <id>",
		"PM HELP",
	}
	_ = respondMultiline(s.w, CodeLogFollows, "pm commands", lines)
}

func (s *commandSession) beginPMAddLog(rest string) {
	id, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		_ = respondSimple(s.w, CodeError, "invalid PM id")
		return
	}
	if s.cfg.PMs.Get(id) == nil {
		_ = respondSimple(s.w, CodeError, "no such PM")
		return
	}
	s.multiline = &multilineState{verb: "PM", args: "ADDLOG " + rest}
	_ = respondSimple(s.w, CodeMultilinePlease, "please provide log entry, end with '.'")
}

func (s *commandSession) doPMAddLogMultiline(args, body string) {
	sub, rest := splitCommand(args)
	if sub != "ADDLOG" {
		_ = respondSimple(s.w, CodeError, "internal error: expected PM ADDLOG")
		return
	}
	id, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		_ = respondSimple(s.w, CodeError, "invalid PM id")
		return
	}
	prefixed := fmt.Sprintf("%s: %s", s.user, body)
	if !s.cfg.PMs.AddLog(id, prefixed, time.Now()) {
		_ = respondSimple(s.w, CodeError, "no such PM")
		return
	}
	s.audit(fmt.Sprintf("PM ADDLOG %d", id))
	_ = respondSimple(s.w, CodeOK, "log added")
}
