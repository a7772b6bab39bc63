// Package captcha recognises pages on which a challenge provider blocked
// the visit instead of serving the requested content.
//
// Detection is a substring match against a short list of markers that only
// appear in challenge pages. Missing a provider is acceptable; flagging an
// ordinary page is not, so markers are form ids and endpoints rather than
// brand names.
package captcha

import "strings"

var markers = []string{
	// reCAPTCHA no-script fallback
	"recaptcha_submit",
	"manual_recaptcha_challenge_field",
	// Cloudflare interstitial
	"cf-challenge-form",
	`challenge-form" action="/cdn-cgi/l/chk_captcha`,
}

// Detect reports whether page is a captcha challenge.
func Detect(page string) bool {
	if page == "" {
		return false
	}
	lower := strings.ToLower(page)
	for _, m := range markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// Markers returns the markers Detect looks for.
func Markers() []string {
	return append([]string(nil), markers...)
}
