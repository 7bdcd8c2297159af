package trace

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDefaultEnricher(t *testing.T) {
	tests := []struct {
		category, name, detail string
		want                   Tags
	}{
		{"mm", "MmAllocateContiguousMemory", "size=0x1000", Tags{"mm", Alloc, Kernel}},
		{"file", "NtCreateFile", "status=0xc0000034", Tags{File, Failure, Kernel}},
		{"dispatch", "", "addr=0x401000", Tags{"dispatch", DispatchMiss}},
		{"sync", "KeSetEvent", "status=0xc0000008", Tags{Sync, Failure, Kernel}},
		{"fallback", "HalReturnToFirmware", "", Tags{Fallback, Kernel}},
	}
	for _, tt := range tests {
		e := NewEvent(0, tt.category, tt.name, tt.detail)
		DefaultEnricher(e)
		if diff := cmp.Diff(tt.want, e.Tags); diff != "" {
			t.Errorf("%s/%s tags mismatch (-want +got):\n%s", tt.category, tt.name, diff)
		}
	}
}

func TestCollector(t *testing.T) {
	c := NewCollector("s1")
	c.Record(0x10, "sync", "KeSetEvent", "")
	c.Record(0x20, "sync", "NtSetEvent", "")
	c.Record(0x30, "time", "KeQuerySystemTime", "")

	if got := c.Count(Sync); got != 2 {
		t.Errorf("Count(Sync) = %d, want 2", got)
	}
	events := c.Events()
	if len(events) != 3 {
		t.Fatalf("len(Events) = %d", len(events))
	}
	if events[0].Session != "s1" {
		t.Errorf("session = %q", events[0].Session)
	}
}
