package openai

import "testing"

func TestNewRequiresAPIKey(t *testing.T) {
	t.Parallel()

	if _, err := New("", "text-embedding-3-small"); err == nil {
		t.Error("New with empty apiKey: want error, got nil")
	}
}

func TestNewDefaultsModel(t *testing.T) {
	t.Parallel()

	p, err := New("key", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.ModelID() != DefaultModel {
		t.Errorf("model: want %q, got %q", DefaultModel, p.ModelID())
	}
}

func TestModelDimensions(t *testing.T) {
	t.Parallel()

	cases := []struct {
		model string
		want  int
	}{
		{"text-embedding-3-small", 1536},
		{"text-embedding-3-large", 3072},
		{"text-embedding-ada-002", 1536},
		{"some-future-model", 1536},
	}

	for _, tc := range cases {
		if got := modelDimensions(tc.model); got != tc.want {
			t.Errorf("modelDimensions(%q): want %d, got %d", tc.model, tc.want, got)
		}
	}
}

func TestFloat64ToFloat32(t *testing.T) {
	t.Parallel()

	out := float64ToFloat32([]float64{0.25, -1.5, 0})
	if len(out) != 3 {
		t.Fatalf("want 3 values, got %d", len(out))
	}
	if out[0] != 0.25 || out[1] != -1.5 || out[2] != 0 {
		t.Errorf("conversion mismatch: %v", out)
	}
}
