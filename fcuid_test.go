package fcuid

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestMintAndValidate(t *testing.T) {
	g := NewGenerator()
	id, err := g.Mint(EntityDeployment, true)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if res := Validate(id); !res.Valid {
		t.Fatalf("Validate(%s) = %+v", id, res)
	}
	if got, err := Parse("  " + id + "\n"); err != nil || got != id {
		t.Errorf("Parse = %q, %v", got, err)
	}
	if f := Fragment(id); len(f) != 12 || strings.Contains(f, "-") {
		t.Errorf("Fragment(%s) = %q", id, f)
	}
	ts, ok := Timestamp(id)
	if !ok || time.Since(ts) > time.Minute {
		t.Errorf("Timestamp(%s) = %v, %v", id, ts, ok)
	}
}

func TestParseRejects(t *testing.T) {
	for _, candidate := range []string{"", "fc-xyz", "FC-0123456789AB-0123456789AB-01234567"} {
		if _, err := Parse(candidate); !errors.Is(err, ErrInvalidFormat) {
			t.Errorf("Parse(%q) err = %v", candidate, err)
		}
	}
}

func TestConstants(t *testing.T) {
	if StatusFlagged != "flagged" || EntityGeneric != "generic" {
		t.Errorf("unexpected constant values %q %q", StatusFlagged, EntityGeneric)
	}
}
