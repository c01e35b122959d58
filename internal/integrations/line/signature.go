package line

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"

	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"
)

// SignatureHeader carries the webhook body signature.
const SignatureHeader = "X-Line-Signature"

// Sign returns the base64 HMAC-SHA256 of body keyed by the channel secret,
// the value the platform sends in SignatureHeader.
func Sign(channelSecret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(channelSecret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ValidSignature reports whether signature matches body.
func ValidSignature(channelSecret string, body []byte, signature string) bool {
	return webhook.ValidateSignature(channelSecret, signature, body)
}
