package orchestrator

import (
	"strings"

	"github.com/jobswipe/applyd/internal/autoapply"
)

// detectCaptcha classifies a worker output line as a challenge signal.
// The boolean is false when the line carries no captcha signal at all.
func detectCaptcha(line string) (autoapply.CaptchaType, bool) {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "recaptcha"):
		return autoapply.CaptchaRecaptcha, true
	case strings.Contains(lower, "hcaptcha"):
		return autoapply.CaptchaHCaptcha, true
	case strings.Contains(lower, "cloudflare"):
		return autoapply.CaptchaCloudflare, true
	case strings.Contains(lower, "image captcha"), strings.Contains(lower, "image_captcha"):
		return autoapply.CaptchaImage, true
	case strings.Contains(lower, "text captcha"), strings.Contains(lower, "text_captcha"):
		return autoapply.CaptchaText, true
	case strings.Contains(lower, "captcha"), strings.Contains(lower, "bot challenge"):
		return autoapply.CaptchaUnknown, true
	default:
		return "", false
	}
}
