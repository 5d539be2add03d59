package canonicaljson

import "testing"

func TestFingerprintStableUnderKeyOrder(t *testing.T) {
	a := map[string]any{"b": 1, "a": 2, "trace_id": "t1"}
	b := map[string]any{"a": 2, "b": 1, "trace_id": "t2"}

	fa, err := Fingerprint(a, "trace_id")
	if err != nil {
		t.Fatal(err)
	}
	fb, err := Fingerprint(b, "trace_id")
	if err != nil {
		t.Fatal(err)
	}
	if fa != fb {
		t.Errorf("fingerprints differ despite only excluded field changing: %s vs %s", fa, fb)
	}
}

func TestFingerprintDiffersOnRealChange(t *testing.T) {
	a := map[string]any{"max_cost": "0.5000"}
	b := map[string]any{"max_cost": "0.6000"}

	fa, _ := Fingerprint(a)
	fb, _ := Fingerprint(b)
	if fa == fb {
		t.Errorf("fingerprints matched despite different payloads")
	}
}

func TestFingerprintDropsNullFields(t *testing.T) {
	a := map[string]any{"x": 1, "y": nil}
	b := map[string]any{"x": 1}

	fa, _ := Fingerprint(a)
	fb, _ := Fingerprint(b)
	if fa != fb {
		t.Errorf("expected null-valued field to be dropped before hashing")
	}
}
