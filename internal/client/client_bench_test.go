package client

import (
	"context"
	"net/url"
	"testing"
)

// BenchmarkClient_BuildRequest benchmarks upstream request construction.
func BenchmarkClient_BuildRequest(b *testing.B) {
	c := New(Config{APIKey: "bench-key"}, nil)
	params := siteParams(testSite, "2025-07-04", "2025-07-10")
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = c.buildRequest(ctx, DefaultMarineURL, params)
	}
}

// BenchmarkSignature benchmarks cache key derivation.
func BenchmarkSignature(b *testing.B) {
	params := siteParams(testSite, "2025-07-04", "2025-07-10")
	params.Set("hourly", "wave_height,sea_surface_temperature")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = Signature(FeedMarine, DefaultMarineURL, params)
	}
}

// BenchmarkParseAtmospheric benchmarks forecast body parsing.
func BenchmarkParseAtmospheric(b *testing.B) {
	body := []byte(forecastBody)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = parseAtmospheric(body)
	}
}

// BenchmarkParseMarine benchmarks marine body parsing.
func BenchmarkParseMarine(b *testing.B) {
	body := []byte(marineBody)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = parseMarine(body)
	}
}

// BenchmarkClient_IsRetryable benchmarks the retry decision.
func BenchmarkClient_IsRetryable(b *testing.B) {
	errs := []error{
		ErrRateLimited,
		ErrUpstreamUnavailable,
		context.DeadlineExceeded,
		ErrBadRequest,
		&url.Error{Op: "Get", URL: "http://x", Err: context.DeadlineExceeded},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = isRetryable(errs[i%len(errs)])
	}
}

// BenchmarkStatusLabel benchmarks status code to label conversion.
func BenchmarkStatusLabel(b *testing.B) {
	codes := []int{200, 400, 429, 500, 503}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = statusLabel(codes[i%len(codes)])
	}
}
