package provider

import "testing"

func TestErrorStateMap_KnownAndUnknownTypes(t *testing.T) {
	cases := map[string]State{
		"auth_invalid":        StateAuthInvalid,
		"credits_exhausted":   StateCreditsExhausted,
		"rate_limited":        StateRateLimited,
		"service_unavailable": StateServiceUnavailable,
		"timeout":             StateError,
		"network_error":       StateError,
	}
	for errType, want := range cases {
		if got := errorStateMap[errType]; got != want {
			t.Errorf("errorStateMap[%q] = %q, want %q", errType, got, want)
		}
	}
	if _, ok := errorStateMap["something_unmapped"]; ok {
		t.Error("expected unmapped error type to be absent, falling back to StateError at call sites")
	}
}

func TestStateKey_NamespacedPerProvider(t *testing.T) {
	if got, want := stateKey("openrouter"), "provider:openrouter:state"; got != want {
		t.Errorf("stateKey() = %q, want %q", got, want)
	}
}
