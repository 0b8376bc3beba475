package cosmos

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultAPIVersion is the x-ms-version header value used when none is
// configured.
const DefaultAPIVersion = "2018-12-31"

// rfc1123GMT is RFC1123 with a literal GMT zone and a zero-padded two-digit
// day. The stdlib time.RFC1123 layout renders the location's zone name, which
// is "UTC" for a UTC time; Cosmos requires the literal "GMT".
const rfc1123GMT = "Mon, 02 Jan 2006 15:04:05 GMT"

// FormatDate renders the signing timestamp the way Cosmos expects it:
// RFC1123, GMT, lowercased. The same string must be used byte-for-byte in the
// signed payload and the x-ms-date header.
func FormatDate(t time.Time) string {
	return strings.ToLower(t.UTC().Format(rfc1123GMT))
}

// Authorization computes the master-key authorization header value for one
// request attempt.
//
// Format and signing details:
// https://learn.microsoft.com/en-us/rest/api/cosmos-db/access-control-on-cosmosdb-resources#constructkeytoken
func Authorization(method, resourceType, resourceLink, date, base64MasterKey string) (string, error) {
	// Cosmos expects the verb, resource type and date lowercased in the
	// string-to-sign. The resource link is used verbatim.
	payload := strings.ToLower(method) + "\n" +
		strings.ToLower(resourceType) + "\n" +
		resourceLink + "\n" +
		strings.ToLower(date) + "\n\n"

	key, err := base64.StdEncoding.DecodeString(base64MasterKey)
	if err != nil {
		return "", fmt.Errorf("master key is not valid base64: %w", err)
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(payload))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	// the full auth string is URL-encoded, including its separators
	return url.QueryEscape("type=master&ver=1.0&sig=" + signature), nil
}

// SignRequest sets the master-key authorization header and the required
// x-ms-* headers on the request. The date used for the signature and the
// x-ms-date header are identical by construction.
func SignRequest(req *http.Request, resourceType, resourceLink, base64MasterKey string, now time.Time, apiVersion string) error {
	if apiVersion == "" {
		apiVersion = DefaultAPIVersion
	}

	date := FormatDate(now)

	auth, err := Authorization(req.Method, resourceType, resourceLink, date, base64MasterKey)
	if err != nil {
		return err
	}

	req.Header.Set("authorization", auth)
	req.Header.Set("x-ms-date", date)
	req.Header.Set("x-ms-version", apiVersion)
	req.Header.Set("Accept", "application/json")

	return nil
}
