//go:build tinygo || wasm

package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-voice/skills/examples/internal/host"
)

// reminder is published on skill.reminders.created for whatever keeps the
// user's list, for example a calendar bridge.
type reminder struct {
	Title   string `json:"title"`
	Notes   string `json:"notes,omitempty"`
	DueDate string `json:"due_date,omitempty"`
}

type result struct {
	Created bool   `json:"created"`
	Title   string `json:"title,omitempty"`
	DueDate string `json:"due_date,omitempty"`
	Error   string `json:"error,omitempty"`
}

//export run
func run() {
	action, args := host.Action()
	switch action {
	case "add_remind":
		host.ResultJSON(addReminder(args))
	default:
		host.Log("unrecognized action: " + action)
		host.ResultJSON(result{Error: "unsupported action " + action})
	}
}

func addReminder(args map[string]any) result {
	r := reminder{
		Title:   stringArg(args, "title"),
		Notes:   stringArg(args, "notes"),
		DueDate: stringArg(args, "due_date"),
	}
	if r.Title == "" {
		return result{Error: "title is required"}
	}
	data, err := json.Marshal(r)
	if err != nil {
		return result{Error: err.Error()}
	}
	if !host.Publish("skill.reminders.created", data) {
		return result{Error: "publish not permitted"}
	}
	host.Log(fmt.Sprintf("reminder %q created", r.Title))
	return result{Created: true, Title: r.Title, DueDate: r.DueDate}
}

func stringArg(args map[string]any, key string) string {
	v, ok := args[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func main() {}
