package twilio

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"sort"
	"strings"
)

// computeSignature builds the string Twilio signs for a webhook request: the
// full request URL followed by every POST parameter as key+value, keys sorted
// alphabetically, and returns base64(HMAC-SHA1(authToken, that string)).
func computeSignature(authToken, requestURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(requestURL)
	for _, k := range keys {
		for _, v := range params[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// verifySignature compares an expected and claimed signature in constant time.
func verifySignature(authToken, requestURL string, params url.Values, claimed string) bool {
	want := computeSignature(authToken, requestURL, params)
	return hmac.Equal([]byte(want), []byte(claimed))
}
