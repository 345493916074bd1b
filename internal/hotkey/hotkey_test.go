package hotkey

import "testing"

func TestParseModifiersAndKeyAnyOrder(t *testing.T) {
	b, err := Parse("ctrl+alt+p")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Key != "p" {
		t.Fatalf("expected key 'p', got %q", b.Key)
	}
	if b.Modifiers&ModCtrl == 0 || b.Modifiers&ModAlt == 0 {
		t.Fatalf("expected ctrl and alt set, got %b", b.Modifiers)
	}
	if b.Modifiers&ModShift != 0 || b.Modifiers&ModSuper != 0 {
		t.Fatalf("expected shift/super unset, got %b", b.Modifiers)
	}
}

func TestParseAcceptsSynonyms(t *testing.T) {
	b, err := Parse("Control+Option+F9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Key != "f9" {
		t.Fatalf("expected lowercased key 'f9', got %q", b.Key)
	}
	if b.Modifiers != ModCtrl|ModAlt {
		t.Fatalf("expected ctrl|alt, got %b", b.Modifiers)
	}
}

func TestParseSingleKeyNoModifiers(t *testing.T) {
	b, err := Parse("F9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Modifiers != 0 {
		t.Fatalf("expected no modifiers, got %b", b.Modifiers)
	}
	if b.Key != "f9" {
		t.Fatalf("expected key 'f9', got %q", b.Key)
	}
}

func TestParseRejectsUnknownModifier(t *testing.T) {
	if _, err := Parse("wobble+p"); err == nil {
		t.Fatal("expected error for unrecognized modifier")
	}
}

func TestParseRejectsEmptySpec(t *testing.T) {
	if _, err := Parse(""); err == nil {
		t.Fatal("expected error for empty spec")
	}
}

func TestStringRoundTripsCanonicalOrder(t *testing.T) {
	b, err := Parse("shift+super+ctrl+alt+q")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, want := b.String(), "ctrl+alt+shift+super+q"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestParseBindingsSurfacesFieldInError(t *testing.T) {
	_, err := ParseBindings(BindingStrings{Toggle: "ctrl+p", Pause: "bogus+"})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestBindingsMatchResolvesAction(t *testing.T) {
	bindings, err := ParseBindings(BindingStrings{
		Enabled: true,
		Toggle:  "ctrl+alt+s",
		Pause:   "ctrl+alt+p",
		Record:  "ctrl+alt+r",
		Overlay: "ctrl+alt+o",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pressed, _ := Parse("ctrl+alt+r")
	action, ok := bindings.Match(pressed)
	if !ok || action != ActionToggleRecord {
		t.Fatalf("expected ActionToggleRecord, got %v ok=%v", action, ok)
	}
}

func TestBindingsMatchNoMatch(t *testing.T) {
	bindings, _ := ParseBindings(BindingStrings{Toggle: "ctrl+alt+s"})
	pressed, _ := Parse("ctrl+alt+x")
	if _, ok := bindings.Match(pressed); ok {
		t.Fatal("expected no match for unbound key combination")
	}
}
