package modelbridge

import "testing"

func TestClassifyFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want FailureKind
	}{
		{name: "rate limit with status", text: "Rate limit exceeded, try again later (429)", want: FailureQuota},
		{name: "quota phrase", text: "ERROR: Quota exceeded for model", want: FailureQuota},
		{name: "grpc resource exhausted", text: "rpc error: code = ResourceExhausted desc = resource exhausted", want: FailureQuota},
		{name: "bare 429", text: "upstream returned 429", want: FailureQuota},
		{name: "unauthorized status", text: "HTTP 401: invalid credentials", want: FailureUnauthorized},
		{name: "unauthorized word", text: "request was Unauthorized", want: FailureUnauthorized},
		{name: "unrelated failure", text: "file not found", want: FailureGeneric},
		{name: "empty", text: "", want: FailureGeneric},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ClassifyFailure(tt.text); got != tt.want {
				t.Fatalf("ClassifyFailure(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}
