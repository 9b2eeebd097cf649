package engine

import (
	"strings"

	"github.com/anstrom/bulkscan/internal/errors"
	"github.com/anstrom/bulkscan/internal/scanner"
)

// AllScanners addresses every registered scanner in a Command.
const AllScanners = "all"

// Action is what a Command does.
type Action int

const (
	// ActionEnable turns a scanner on.
	ActionEnable Action = iota
	// ActionDisable turns a scanner off.
	ActionDisable
	// ActionEnableOnly disables every other scanner first.
	ActionEnableOnly
)

// Command is one enable/disable request, applied in order before Init.
type Command struct {
	Action Action
	Name   string
}

// EnableCommands builds commands from the CLI lists: enable-only names
// first, then enables, then disables.
func EnableCommands(only, enable, disable []string) []Command {
	var cmds []Command
	for i, name := range only {
		action := ActionEnableOnly
		if i > 0 {
			action = ActionEnable
		}
		cmds = append(cmds, Command{Action: action, Name: name})
	}
	for _, name := range enable {
		cmds = append(cmds, Command{Action: ActionEnable, Name: name})
	}
	for _, name := range disable {
		cmds = append(cmds, Command{Action: ActionDisable, Name: name})
	}
	return cmds
}

// Enable turns on the named scanner, or every scanner for "all".
func (s *Set) Enable(name string) error {
	return s.ApplyCommands([]Command{{Action: ActionEnable, Name: name}})
}

// Disable turns off the named scanner, or every scanner for "all".
func (s *Set) Disable(name string) error {
	return s.ApplyCommands([]Command{{Action: ActionDisable, Name: name}})
}

// ApplyCommands applies enable/disable commands in order. Unknown scanner
// names fail without applying later commands. Only valid before Init.
func (s *Set) ApplyCommands(cmds []Command) error {
	if s.Phase() != scanner.PhaseStartup {
		return errors.ErrPhase("change enabled scanners", s.Phase().String())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cmd := range cmds {
		name := strings.TrimSpace(cmd.Name)
		if cmd.Action == ActionEnableOnly {
			for _, e := range s.entries {
				e.enabled = false
			}
		}
		on := cmd.Action != ActionDisable

		if strings.EqualFold(name, AllScanners) {
			for _, e := range s.entries {
				e.enabled = on
			}
			continue
		}
		e, ok := s.byName[name]
		if !ok {
			return errors.NewScanErrorWithScanner(errors.CodeValidation, "unknown scanner", name)
		}
		e.enabled = on
		s.logger.Debug("scanner toggled", "scanner", name, "enabled", on)
	}
	return nil
}
