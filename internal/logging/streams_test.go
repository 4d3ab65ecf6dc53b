package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestSetWriters_RoutesStreams(t *testing.T) {
	var ops, diag, trace bytes.Buffer
	SetWriters(&ops, &diag, &trace)
	defer SetWriters(nil, nil, nil)

	Opsf("ops %d", 1)
	Diagf("diag %d", 2)
	Tracef("trace %d", 3)

	if !strings.Contains(ops.String(), "ops 1") {
		t.Errorf("ops stream missing message: %q", ops.String())
	}
	if !strings.Contains(diag.String(), "diag 2") {
		t.Errorf("diag stream missing message: %q", diag.String())
	}
	if !strings.Contains(trace.String(), "trace 3") {
		t.Errorf("trace stream missing message: %q", trace.String())
	}
}

func TestSetWriters_NilDisables(t *testing.T) {
	var ops bytes.Buffer
	SetWriters(&ops, nil, nil)
	defer SetWriters(nil, nil, nil)

	// Must not panic on disabled streams
	Diagf("dropped")
	Tracef("dropped")
	Opsf("kept")

	if !strings.Contains(ops.String(), "kept") {
		t.Errorf("ops stream missing message: %q", ops.String())
	}
}

func TestSetSingleWriter(t *testing.T) {
	var buf bytes.Buffer
	SetSingleWriter(&buf)
	defer SetWriters(nil, nil, nil)

	Opsf("a")
	Diagf("b")
	Tracef("c")

	out := buf.String()
	for _, want := range []string{"a", "b", "c"} {
		if !strings.Contains(out, want) {
			t.Errorf("combined stream missing %q: %q", want, out)
		}
	}
}
