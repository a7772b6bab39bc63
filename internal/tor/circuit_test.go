package tor

import (
	"errors"
	"net/netip"
	"slices"
	"testing"

	"github.com/nao1215/tornago"
)

func TestToCircuits(t *testing.T) {
	t.Parallel()

	infos := []tornago.CircuitInfo{
		{ID: "1", Status: CircuitBuilt, Path: []string{"$AAAA~relay1", "$bbbb~relay2", "$CCCC"}, Purpose: "GENERAL"},
		{ID: "2", Status: CircuitLaunched},
		{ID: "circuit-status=3", Status: CircuitExtended, Path: []string{"$DDDD~relay4"}},
	}

	got := toCircuits(infos)
	if len(got) != 3 {
		t.Fatalf("expected 3 circuits, got %d: %+v", len(got), got)
	}
	if got[0].ID != "1" || got[0].Status != CircuitBuilt {
		t.Errorf("circuit 1 = %+v", got[0])
	}
	if !slices.Equal(got[0].Path, []string{"AAAA", "BBBB", "CCCC"}) {
		t.Errorf("circuit 1 path = %v", got[0].Path)
	}
	if got[1].Status != CircuitLaunched || len(got[1].Path) != 0 {
		t.Errorf("circuit 2 = %+v", got[1])
	}
	if got[2].ID != "3" || !slices.Equal(got[2].Path, []string{"DDDD"}) {
		t.Errorf("circuit 3 = %+v", got[2])
	}
}

func TestParseRelayAddrs(t *testing.T) {
	t.Parallel()

	t.Run("v4 and v6", func(t *testing.T) {
		t.Parallel()

		value := "r relay1 AAAAAAAAAAAAAAAAAAAAAAAAAAA BBBBBBBBBBBBBBBBBBBBBBBBBBB 2024-01-01 00:00:00 192.0.2.1 9001 0\n" +
			"a [2001:db8::1]:9001\n" +
			"s Fast Guard Running Stable Valid\n" +
			"w Bandwidth=1000"
		got, err := parseRelayAddrs(value)
		if err != nil {
			t.Fatal(err)
		}
		want := []netip.Addr{netip.MustParseAddr("192.0.2.1"), netip.MustParseAddr("2001:db8::1")}
		if !slices.Equal(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
	})

	t.Run("short router line", func(t *testing.T) {
		t.Parallel()

		if _, err := parseRelayAddrs("r relay1 AAAA"); !errors.Is(err, ErrControlProtocol) {
			t.Errorf("expected ErrControlProtocol, got %v", err)
		}
	})
}

func TestParseStreamEvent(t *testing.T) {
	t.Parallel()

	got, err := parseStreamEvent("42 NEW 0 example.com:443 SOURCE_ADDR=127.0.0.1:40000 PURPOSE=USER")
	if err != nil {
		t.Fatal(err)
	}
	want := StreamEvent{ID: "42", Status: StreamNew, CircuitID: "0", Target: "example.com:443"}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}

	if _, err := parseStreamEvent("42 NEW"); !errors.Is(err, ErrControlProtocol) {
		t.Errorf("expected ErrControlProtocol, got %v", err)
	}
}

func TestReplaceMiddle(t *testing.T) {
	t.Parallel()

	path := []string{"AAAA", "BBBB", "CCCC"}
	got, err := ReplaceMiddle(path, "$ffff")
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(got, []string{"AAAA", "FFFF", "CCCC"}) {
		t.Errorf("got %v", got)
	}
	if path[1] != "BBBB" {
		t.Error("input path must not be modified")
	}
	if _, err := ReplaceMiddle(path[:2], "FFFF"); err == nil {
		t.Error("expected error for two hop path")
	}
}

func TestRandomBuiltCircuit(t *testing.T) {
	t.Parallel()

	circuits := []Circuit{
		{ID: "1", Status: CircuitLaunched},
		{ID: "2", Status: CircuitBuilt, Path: []string{"A", "B"}},
		{ID: "3", Status: CircuitBuilt, Path: []string{"A", "B", "C"}},
	}
	for range 10 {
		c, ok := RandomBuiltCircuit(circuits)
		if !ok || c.ID != "3" {
			t.Fatalf("RandomBuiltCircuit() = %+v, %v", c, ok)
		}
	}
	if _, ok := RandomBuiltCircuit(circuits[:2]); ok {
		t.Error("expected no candidate")
	}
}
