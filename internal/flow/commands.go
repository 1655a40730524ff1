package flow

import (
	"strconv"
	"strings"
)

// Command is an inbound event parsed at the transport boundary. The set is
// closed: every implementation is declared in this file.
type Command interface {
	isCommand()
}

type CmdStart struct{}

type CmdHelp struct{}

type CmdNewQuest struct{}

type CmdListQuests struct{}

type CmdShowQuest struct{ ID int64 }

type CmdProgressOverview struct{}

// CmdUpdateProgress without a Delta opens the progress step.
type CmdUpdateProgress struct {
	ID    int64
	Delta string
}

type CmdComplete struct{ ID int64 }

type CmdDelete struct{ ID int64 }

type CmdEdit struct {
	ID   int64
	Mode Mode
}

type CmdMarkDone struct{ ID int64 }

type CmdUndoDone struct{ ID int64 }

type CmdMeditate struct{ ID int64 }

type CmdStopMeditation struct{ ID int64 }

type CmdSkip struct{}

type CmdSetTimezone struct{ Clock string }

type CmdCancel struct{}

// CmdText is free input for the live dialog.
type CmdText struct{ Text string }

// CmdUnknown is a slash token nobody handles.
type CmdUnknown struct{ Token string }

// CmdMalformed is a known token with unusable arguments.
type CmdMalformed struct{ Usage string }

func (CmdStart) isCommand()            {}
func (CmdHelp) isCommand()             {}
func (CmdNewQuest) isCommand()         {}
func (CmdListQuests) isCommand()       {}
func (CmdShowQuest) isCommand()        {}
func (CmdProgressOverview) isCommand() {}
func (CmdUpdateProgress) isCommand()   {}
func (CmdComplete) isCommand()         {}
func (CmdDelete) isCommand()           {}
func (CmdEdit) isCommand()             {}
func (CmdMarkDone) isCommand()         {}
func (CmdUndoDone) isCommand()         {}
func (CmdMeditate) isCommand()         {}
func (CmdStopMeditation) isCommand()   {}
func (CmdSkip) isCommand()             {}
func (CmdSetTimezone) isCommand()      {}
func (CmdCancel) isCommand()           {}
func (CmdText) isCommand()             {}
func (CmdUnknown) isCommand()          {}
func (CmdMalformed) isCommand()        {}

// idCommands maps tokens taking a single quest id to their constructors.
var idCommands = map[string]struct {
	usage string
	build func(int64) Command
}{
	"/quest":          {"/quest <id>", func(id int64) Command { return CmdShowQuest{ID: id} }},
	"/complete":       {"/complete <id>", func(id int64) Command { return CmdComplete{ID: id} }},
	"/delete":         {"/delete <id>", func(id int64) Command { return CmdDelete{ID: id} }},
	"/done":           {"/done <id>", func(id int64) Command { return CmdMarkDone{ID: id} }},
	"/undo":           {"/undo <id>", func(id int64) Command { return CmdUndoDone{ID: id} }},
	"/meditate":       {"/meditate <id>", func(id int64) Command { return CmdMeditate{ID: id} }},
	"/stopmeditation": {"/stopmeditation <id>", func(id int64) Command { return CmdStopMeditation{ID: id} }},
}

// ParseCommand turns raw inbound text (typed or a button token) into a Command.
func ParseCommand(text string) Command {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return CmdText{Text: text}
	}
	fields := strings.Fields(trimmed)
	token := strings.ToLower(fields[0])
	// Telegram-style "/cmd@botname".
	if at := strings.IndexByte(token, '@'); at > 0 {
		token = token[:at]
	}
	args := fields[1:]

	switch token {
	case "/start":
		return CmdStart{}
	case "/help":
		return CmdHelp{}
	case "/new":
		return CmdNewQuest{}
	case "/quests":
		return CmdListQuests{}
	case "/cancel":
		return CmdCancel{}
	case "/skip":
		return CmdSkip{}
	case "/progress":
		if len(args) == 0 {
			return CmdProgressOverview{}
		}
		id, ok := parseID(args[0])
		if !ok || len(args) > 2 {
			return CmdMalformed{Usage: "/progress <id> <amount>"}
		}
		cmd := CmdUpdateProgress{ID: id}
		if len(args) == 2 {
			cmd.Delta = args[1]
		}
		return cmd
	case "/edit":
		if len(args) != 2 {
			return CmdMalformed{Usage: "/edit <id> title|target|deadline|comment"}
		}
		id, ok := parseID(args[0])
		mode, known := ParseEditField(strings.ToLower(args[1]))
		if !ok || !known {
			return CmdMalformed{Usage: "/edit <id> title|target|deadline|comment"}
		}
		return CmdEdit{ID: id, Mode: mode}
	case "/tz":
		if len(args) != 1 {
			return CmdMalformed{Usage: "/tz hh:mm (your current local time)"}
		}
		return CmdSetTimezone{Clock: args[0]}
	}

	if def, ok := idCommands[token]; ok {
		if len(args) != 1 {
			return CmdMalformed{Usage: def.usage}
		}
		id, ok := parseID(args[0])
		if !ok {
			return CmdMalformed{Usage: def.usage}
		}
		return def.build(id)
	}
	return CmdUnknown{Token: token}
}

func parseID(s string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimPrefix(s, "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
