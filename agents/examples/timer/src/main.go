//go:build tinygo || wasm

package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-voice/agents/examples/internal/guest"
)

type timerParams struct {
	Minutes float64 `json:"minutes"`
	Seconds float64 `json:"seconds"`
	Label   string  `json:"label"`
}

type timerStatus struct {
	Label      string `json:"label"`
	State      string `json:"state"`
	DurationMS int64  `json:"duration_ms"`
}

//export run
func run() {
	var p timerParams
	action, err := guest.Action(&p)
	if err != nil {
		guest.Fail("bad_params", "could not decode parameters: "+err.Error())
		return
	}
	guest.Log("timer agent invoked: " + action)

	switch action {
	case "start_timer":
		start(p)
	default:
		guest.Fail("unknown_action", "timer agent cannot "+action)
	}
}

func start(p timerParams) {
	d := time.Duration(p.Minutes*float64(time.Minute) + p.Seconds*float64(time.Second))
	if d <= 0 {
		guest.Fail("invalid_duration", "how long should the timer run")
		return
	}
	label := p.Label
	if label == "" {
		label = "timer"
	}
	if data, err := json.Marshal(timerStatus{Label: label, State: "started", DurationMS: d.Milliseconds()}); err == nil {
		guest.Publish("agent.timer.status", data)
	}
	guest.Succeed(map[string]any{
		"label":       label,
		"duration_ms": d.Milliseconds(),
		"message":     fmt.Sprintf("Timer set for %s.", spoken(d)),
	})
}

func spoken(d time.Duration) string {
	switch {
	case d >= time.Minute && d%time.Minute == 0:
		n := int(d / time.Minute)
		if n == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", n)
	default:
		return fmt.Sprintf("%d seconds", int(d/time.Second))
	}
}

func main() {}
