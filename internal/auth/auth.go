package auth

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Verifier checks a caller-supplied signature for a stream path.
type Verifier interface {
	Verify(sign, streamPath, secret string) bool
}

// SignatureVerifier accepts signatures of the form "<expireUnix>-<md5hex>" where
// md5hex is md5("<streamPath>-<expireUnix>-<secret>") and expireUnix is not in the past.
type SignatureVerifier struct {
	Now func() time.Time
}

// NewSignatureVerifier creates a verifier using the wall clock
func NewSignatureVerifier() *SignatureVerifier {
	return &SignatureVerifier{Now: time.Now}
}

// Verify implements Verifier
func (v *SignatureVerifier) Verify(sign, streamPath, secret string) bool {
	expireStr, hash, ok := strings.Cut(sign, "-")
	if !ok || hash == "" {
		return false
	}

	expire, err := strconv.ParseInt(expireStr, 10, 64)
	if err != nil {
		return false
	}

	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	if expire < now().Unix() {
		return false
	}

	expected := digest(streamPath, expire, secret)
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(hash)), []byte(expected)) == 1
}

// Sign produces a signature for streamPath valid until expire.
func Sign(streamPath, secret string, expire time.Time) string {
	ts := expire.Unix()
	return fmt.Sprintf("%d-%s", ts, digest(streamPath, ts, secret))
}

func digest(streamPath string, expire int64, secret string) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s-%d-%s", streamPath, expire, secret)))
	return hex.EncodeToString(sum[:])
}
