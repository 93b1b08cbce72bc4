package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrNavigateExit is returned by any prompt when the operator types exit.
var ErrNavigateExit = errors.New("navigate exit")

func (a *App) promptLine(label string) (string, error) {
	if strings.TrimSpace(label) != "" {
		fmt.Fprintf(a.out, "%s: ", label)
	}
	line, err := a.in.ReadString('\n')
	if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "exit", "e":
		return "", ErrNavigateExit
	}
	return line, nil
}

// promptDefault returns def when the operator enters nothing.
func (a *App) promptDefault(label, def string) (string, error) {
	if def != "" {
		label = fmt.Sprintf("%s [%s]", label, def)
	}
	line, err := a.promptLine(label)
	if err != nil {
		return "", err
	}
	if v := strings.TrimSpace(line); v != "" {
		return v, nil
	}
	return def, nil
}

func (a *App) confirm(label string, def bool) (bool, error) {
	hint := "y/N"
	if def {
		hint = "Y/n"
	}
	for {
		line, err := a.promptLine(fmt.Sprintf("%s [%s]", label, hint))
		if err != nil {
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "":
			return def, nil
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		}
		fmt.Fprintln(a.out, "Please answer y or n.")
	}
}

func (a *App) promptInt(label string, min, max int) (int, error) {
	for {
		line, err := a.promptLine(fmt.Sprintf("%s [%d-%d|exit]", label, min, max))
		if err != nil {
			return 0, err
		}
		v, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil || v < min || v > max {
			fmt.Fprintln(a.out, "Invalid selection.")
			continue
		}
		return v, nil
	}
}

func newSubcommandFlags(name string, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("marketctl "+name, flag.ContinueOnError)
	fs.SetOutput(out)
	return fs
}
