// Package hotkey parses the `modifier+...+key` binding syntax spec §6
// names for the configuration file's `hotkeys` section, and defines the
// event contract the Controller consumes.
//
// The global-hotkey input reader itself — hooking into the Wayland
// compositor or a portal's GlobalShortcuts API to observe physical key
// presses — is a deliberate Non-goal (spec.md §1's "external
// collaborators" list): this package only parses binding strings into a
// canonical form and defines Source, the event contract an external
// reader implements.
package hotkey

import (
	"fmt"
	"strings"
)

// Modifier is a bitmask of held modifier keys. Left/right variants of the
// same physical modifier are treated as equivalent, per spec §6.
type Modifier uint8

const (
	ModCtrl Modifier = 1 << iota
	ModAlt
	ModShift
	ModSuper
)

// synonyms maps accepted modifier spellings onto the canonical Modifier.
var synonyms = map[string]Modifier{
	"ctrl":    ModCtrl,
	"control": ModCtrl,
	"alt":     ModAlt,
	"option":  ModAlt,
	"shift":   ModShift,
	"super":   ModSuper,
	"cmd":     ModSuper,
	"command": ModSuper,
	"win":     ModSuper,
	"windows": ModSuper,
	"meta":    ModSuper,
}

// Binding is a parsed hotkey: a modifier set plus a named key.
type Binding struct {
	Modifiers Modifier
	Key       string // lowercased, e.g. "p", "f9", "numpad5", "home"
}

// String renders a Binding back into modifier+...+key form, using the
// canonical modifier spellings.
func (b Binding) String() string {
	var parts []string
	if b.Modifiers&ModCtrl != 0 {
		parts = append(parts, "ctrl")
	}
	if b.Modifiers&ModAlt != 0 {
		parts = append(parts, "alt")
	}
	if b.Modifiers&ModShift != 0 {
		parts = append(parts, "shift")
	}
	if b.Modifiers&ModSuper != 0 {
		parts = append(parts, "super")
	}
	parts = append(parts, b.Key)
	return strings.Join(parts, "+")
}

// Parse reads a `modifier+...+key` spec, e.g. "ctrl+alt+p" or "f9", into a
// Binding. Modifier order in the input is insignificant; the trailing
// segment is always the key. Returns an error if the key segment is
// missing, empty, or looks like an unrecognized modifier synonym (a
// common typo, e.g. "cmd+cmd+p").
func Parse(spec string) (Binding, error) {
	segments := strings.Split(spec, "+")
	// Strip empty segments produced by a literal "+" key (e.g. "ctrl++"
	// for binding the plus key itself) without losing the key segment.
	var nonEmpty []string
	for i, seg := range segments {
		trimmed := strings.TrimSpace(seg)
		if trimmed == "" && i != len(segments)-1 {
			continue
		}
		nonEmpty = append(nonEmpty, trimmed)
	}
	if len(nonEmpty) == 0 {
		return Binding{}, fmt.Errorf("hotkey: empty binding spec")
	}

	key := strings.ToLower(nonEmpty[len(nonEmpty)-1])
	if key == "" {
		return Binding{}, fmt.Errorf("hotkey: %q has no key segment", spec)
	}

	var mods Modifier
	for _, seg := range nonEmpty[:len(nonEmpty)-1] {
		m, ok := synonyms[strings.ToLower(seg)]
		if !ok {
			return Binding{}, fmt.Errorf("hotkey: %q is not a recognized modifier in %q", seg, spec)
		}
		mods |= m
	}

	return Binding{Modifiers: mods, Key: key}, nil
}

// Action is a Controller-level command a hotkey can trigger, per spec
// §4.7/§6: toggle start/stop, pause, toggle-record, toggle-overlay.
type Action string

const (
	ActionToggle        Action = "toggle"
	ActionPause         Action = "pause"
	ActionToggleRecord  Action = "toggle_record"
	ActionToggleOverlay Action = "overlay_toggle"
)

// Bindings maps each configurable action onto its parsed binding. A zero
// Binding (no key) means the action has no hotkey assigned.
type Bindings struct {
	Enabled bool
	Toggle  Binding
	Pause   Binding
	Record  Binding
	Overlay Binding
}

// BindingStrings mirrors the config file's `hotkeys` section before
// parsing (spec §6's options: enabled, toggle, pause, record,
// overlay_toggle).
type BindingStrings struct {
	Enabled bool
	Toggle  string
	Pause   string
	Record  string
	Overlay string
}

// ParseBindings parses every non-empty binding string in cfg, returning
// the first parse error encountered (identifying which field failed).
func ParseBindings(cfg BindingStrings) (Bindings, error) {
	out := Bindings{Enabled: cfg.Enabled}
	var err error
	if cfg.Toggle != "" {
		if out.Toggle, err = Parse(cfg.Toggle); err != nil {
			return Bindings{}, fmt.Errorf("toggle: %w", err)
		}
	}
	if cfg.Pause != "" {
		if out.Pause, err = Parse(cfg.Pause); err != nil {
			return Bindings{}, fmt.Errorf("pause: %w", err)
		}
	}
	if cfg.Record != "" {
		if out.Record, err = Parse(cfg.Record); err != nil {
			return Bindings{}, fmt.Errorf("record: %w", err)
		}
	}
	if cfg.Overlay != "" {
		if out.Overlay, err = Parse(cfg.Overlay); err != nil {
			return Bindings{}, fmt.Errorf("overlay_toggle: %w", err)
		}
	}
	return out, nil
}

// Match reports which Action (if any) b.Toggle/Pause/Record/Overlay
// corresponds to the given pressed binding.
func (b Bindings) Match(pressed Binding) (Action, bool) {
	switch pressed {
	case b.Toggle:
		if b.Toggle.Key != "" {
			return ActionToggle, true
		}
	case b.Pause:
		if b.Pause.Key != "" {
			return ActionPause, true
		}
	case b.Record:
		if b.Record.Key != "" {
			return ActionToggleRecord, true
		}
	case b.Overlay:
		if b.Overlay.Key != "" {
			return ActionToggleOverlay, true
		}
	}
	return "", false
}

// Source is the event contract the Controller listens on. A concrete
// implementation hooking into the compositor's global-shortcut facility
// is outside this module's scope; Source lets the Controller depend only
// on the interface.
type Source interface {
	// Events delivers a Binding each time its physical keys are pressed.
	// The Controller resolves it to an Action via Bindings.Match.
	Events() <-chan Binding
	Close() error
}
