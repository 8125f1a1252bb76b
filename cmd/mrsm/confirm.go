package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/mrsm-io/mrsm/internal/config"
	"github.com/mrsm-io/mrsm/internal/pipes"
)

// confirmAction prompts before a destructive verb. --yes and MRSM_NOASK
// both skip the prompt and proceed.
func confirmAction(action string, targets []*pipes.Pipe) (bool, error) {
	if yesFlag || config.NoAsk() {
		return true, nil
	}

	names := make([]string, 0, len(targets))
	for i, p := range targets {
		if i == 10 {
			names = append(names, fmt.Sprintf("… and %d more", len(targets)-i))
			break
		}
		names = append(names, p.String())
	}

	ok := false
	err := huh.NewConfirm().
		Title(fmt.Sprintf("%s %d pipe(s)?", action, len(targets))).
		Description(strings.Join(names, "\n")).
		Affirmative("Yes").
		Negative("No").
		Value(&ok).
		Run()
	if err != nil {
		return false, err
	}
	return ok, nil
}
