// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package auth

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ProtocolVersion is the turn-taking revision carried in challenge lines.
const ProtocolVersion = 1

// Challenge rounds. The listener always challenges first.
const (
	roundListener  = 1
	roundInitiator = 2
)

// Wire literals.
const (
	authOK        = "1000 OK auth\n"
	authFailed    = "1999 Authorization failed.\n"
	notAuthorized = "1999 You are not authorized.\n"
	helloOK       = "1000 OK:"
)

var errMalformedChallenge = errors.New("malformed challenge")

// challenge is one parsed "auth cram-md5" line.
type challenge struct {
	nonce      string
	level      Level
	compatible bool
	round      int
	proto      int
}

func (c challenge) line() string {
	verb := "cram-md5"
	if c.compatible {
		verb = "cram-md5c"
	}
	return fmt.Sprintf("auth %s %s ssl=%d turn=%d proto=%d\n", verb, c.nonce, int(c.level), c.round, c.proto)
}

// parseChallenge reads a challenge line. Lines from peers that predate
// the turn field carry neither turn nor proto; those parse with both zero.
func parseChallenge(line string) (challenge, error) {
	fields := strings.Fields(strings.TrimRight(line, "\x00"))
	if len(fields) < 3 || fields[0] != "auth" {
		return challenge{}, errMalformedChallenge
	}
	var c challenge
	switch fields[1] {
	case "cram-md5c":
		c.compatible = true
	case "cram-md5":
	default:
		return challenge{}, fmt.Errorf("%w: unknown method %q", errMalformedChallenge, fields[1])
	}
	c.nonce = fields[2]
	for _, kv := range fields[3:] {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return challenge{}, fmt.Errorf("%w: field %q", errMalformedChallenge, kv)
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return challenge{}, fmt.Errorf("%w: field %q", errMalformedChallenge, kv)
		}
		switch k {
		case "ssl":
			c.level = Level(n)
		case "turn":
			c.round = n
		case "proto":
			c.proto = n
		}
	}
	if c.level < TLSNone || c.level > TLSRequired {
		return challenge{}, fmt.Errorf("%w: ssl=%d", errMalformedChallenge, int(c.level))
	}
	return c, nil
}

// newNonce returns "<random.unixtime@host>".
func newNonce(fallbackHost string) string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = fallbackHost
	}
	return fmt.Sprintf("<%d.%d@%s>", binary.BigEndian.Uint32(b[:]), uint32(time.Now().Unix()), host)
}

// digest is the expected answer to nonce under password.
func digest(nonce, password string, compatible bool) string {
	mac := hmac.New(md5.New, []byte(password))
	mac.Write([]byte(nonce))
	return encodeDigest(mac.Sum(nil), compatible)
}

func responseMatches(got, want string) bool {
	got = strings.TrimRight(got, "\x00\n")
	return hmac.Equal([]byte(got), []byte(want))
}
