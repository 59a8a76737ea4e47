package relay

import "testing"

func TestRecordUsageBits(t *testing.T) {
	rec := NewRecord(MustParseURL("wss://relay.example.com"))

	if rec.Rank != DefaultRank {
		t.Errorf("expected default rank %d, got %d", DefaultRank, rec.Rank)
	}
	if rec.HasUsage(UsageRead) {
		t.Error("new record should have no usage bits")
	}

	rec.SetUsage(UsageRead|UsageWrite, true)
	if !rec.HasUsage(UsageRead) || !rec.HasUsage(UsageWrite) {
		t.Error("expected read and write bits set")
	}
	if rec.HasUsage(UsageAdvertise) {
		t.Error("advertise bit should not be set")
	}
	if !rec.HasUsage(UsageRead | UsageWrite) {
		t.Error("HasUsage should require all given bits")
	}

	rec.SetUsage(UsageRead, false)
	if rec.HasUsage(UsageRead) {
		t.Error("read bit should be cleared")
	}
	if !rec.HasUsage(UsageWrite) {
		t.Error("write bit should survive clearing read")
	}
}

func TestRecordSuccessRate(t *testing.T) {
	tests := []struct {
		name      string
		successes uint64
		failures  uint64
		want      float32
	}{
		{"no history", 0, 0, 0.5},
		{"all successes", 10, 0, 1.0},
		{"all failures", 0, 10, 0.0},
		{"half and half", 5, 5, 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &Record{SuccessCount: tt.successes, FailureCount: tt.failures}
			if got := rec.SuccessRate(); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}
