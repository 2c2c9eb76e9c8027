/*
Copyright 2025 The FlakeGuard Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/thc1006/flakeguard-sub005/pkg/flakeerrors"
)

// maxSlackSkew bounds the accepted age of a Slack-signed request.
const maxSlackSkew = 5 * time.Minute

// VerifySlackSignature checks a Slack-signed request: the timestamp
// header must be within five minutes of now, and the v0 signature must
// be the HMAC-SHA256 of "v0:<ts>:<body>" under the signing secret. The
// Slack surface itself is out of scope; only verification lives here.
func VerifySlackSignature(secret []byte, timestamp, signature string, body []byte, now time.Time) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return flakeerrors.New(flakeerrors.BadRequest, "malformed slack timestamp %q", timestamp)
	}
	age := now.Sub(time.Unix(ts, 0))
	if age > maxSlackSkew || age < -maxSlackSkew {
		return flakeerrors.New(flakeerrors.BadRequest, "slack timestamp outside the allowed window")
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte("v0:" + timestamp + ":"))
	mac.Write(body)
	want := "v0=" + hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return flakeerrors.New(flakeerrors.BadRequest, "slack signature mismatch")
	}
	return nil
}
