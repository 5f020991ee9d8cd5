package vertex

import "testing"

func TestRegionalAPIURL(t *testing.T) {
	t.Parallel()

	got := regionalAPIURL("us-central1")
	want := "https://us-central1-aiplatform.googleapis.com"
	if got != want {
		t.Errorf("regionalAPIURL(us-central1) = %q, want %q", got, want)
	}
}
