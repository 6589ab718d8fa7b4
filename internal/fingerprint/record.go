// Package fingerprint derives a best-effort device signal for unauthenticated demo
// traffic. The hash is collidable and spoofable and must never stand in for identity.
package fingerprint

import (
	"encoding/json"
	"strconv"
	"unicode/utf16"
)

// Sentinel values stored in place of a signal that could not be collected.
const (
	AudioTimeout = "audio-timeout"
	Unavailable  = "unavailable"
)

// StorageFlags reports which storage areas accepted a write/delete probe.
type StorageFlags struct {
	Durable bool `json:"durable"`
	Session bool `json:"session"`
}

// Record is the collected device signal. Phase-1 fields are set before Start
// returns; phase-2 fields are merged in later and stay empty on the partial record.
type Record struct {
	UserAgent      string       `json:"userAgent"`
	Language       string       `json:"language"`
	Platform       string       `json:"platform"`
	Screen         string       `json:"screenResolution"`
	Timezone       string       `json:"timezone"`
	TimezoneOffset int          `json:"timezoneOffset"`
	Storage        StorageFlags `json:"storage"`
	Canvas         string       `json:"canvas"`
	WebGL          string       `json:"webgl"`

	Audio   string   `json:"audio,omitempty"`
	Fonts   []string `json:"fonts,omitempty"`
	Plugins []string `json:"plugins,omitempty"`

	Complete bool `json:"-"`
}

// Hash returns a short base-36 digest of the record's JSON form.
//
// Rolling h = h*31 + c over UTF-16 code units, wrapped to int32 and printed as
// its unsigned value.
func (r Record) Hash() string {
	b, err := json.Marshal(r)
	if err != nil {
		// Record holds only strings, ints and bools.
		panic(err)
	}
	var h int32
	for _, c := range utf16.Encode([]rune(string(b))) {
		h = (h << 5) - h + int32(c)
	}
	return strconv.FormatUint(uint64(uint32(h)), 36)
}

func (r Record) clone() Record {
	r.Fonts = append([]string(nil), r.Fonts...)
	r.Plugins = append([]string(nil), r.Plugins...)
	return r
}
