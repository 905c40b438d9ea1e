package ledger

import "testing"

func TestCanTransition_Inbound(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusProcessing, StatusProcessing, true},
		{StatusProcessing, StatusSuccess, true},
		{StatusProcessing, StatusError, true},
		{StatusError, StatusPending, true},
		{StatusPending, StatusSuccess, false},
		{StatusSuccess, StatusProcessing, false},
		{StatusSuccess, StatusPending, false},
		{StatusPending, StatusSent, false},
	}
	for _, tt := range tests {
		if got := CanTransition(Inbound, tt.from, tt.to); got != tt.want {
			t.Errorf("inbound %s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestCanTransition_Outbound(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusSent, true},
		{StatusPending, StatusTimeout, true},
		{StatusPending, StatusError, true},
		{StatusSent, StatusSuccess, true},
		{StatusSent, StatusRejected, true},
		{StatusSent, StatusTimeout, true},
		{StatusPending, StatusSuccess, false},
		{StatusError, StatusPending, false},
		{StatusSuccess, StatusSent, false},
		{StatusPending, StatusProcessing, false},
	}
	for _, tt := range tests {
		if got := CanTransition(Outbound, tt.from, tt.to); got != tt.want {
			t.Errorf("outbound %s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTerminalStatusesHaveNoAutomaticExit(t *testing.T) {
	for _, dir := range []Direction{Inbound, Outbound} {
		for _, s := range []Status{StatusSuccess, StatusRejected, StatusTimeout} {
			for _, to := range []Status{StatusPending, StatusProcessing, StatusSent, StatusSuccess, StatusError} {
				if CanTransition(dir, s, to) {
					t.Errorf("%s %s must be final, allows %s", dir, s, to)
				}
			}
		}
	}
}

func TestSourcesOf(t *testing.T) {
	got := SourcesOf(Inbound, StatusProcessing)
	if len(got) != 2 || got[0] != StatusPending || got[1] != StatusProcessing {
		t.Errorf("unexpected sources %v", got)
	}
	got = SourcesOf(Outbound, StatusTimeout)
	if len(got) != 2 || got[0] != StatusPending || got[1] != StatusSent {
		t.Errorf("unexpected sources %v", got)
	}
	if got := SourcesOf(Outbound, StatusPending); len(got) != 0 {
		t.Errorf("outbound entries are never requeued, got %v", got)
	}
}

func TestStatusValid(t *testing.T) {
	if !StatusTimeout.Valid() || Status("DONE").Valid() {
		t.Error("unexpected status validity")
	}
	if !Inbound.Valid() || Direction("SIDEWAYS").Valid() {
		t.Error("unexpected direction validity")
	}
}
