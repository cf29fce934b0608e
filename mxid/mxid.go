// This package defines validated Matrix user IDs of the form @localpart:domain.
package mxid

import (
	"fmt"
	"strings"
	"unicode"
)

// UserID is an immutable, validated Matrix user ID. The zero value is not
// valid; use IsZero to check.
type UserID struct {
	localpart string
	domain    string
}

// Parse validates a raw "@localpart:domain" string. The domain may carry a
// port.
func Parse(raw string) (UserID, error) {
	if raw == "" {
		return UserID{}, fmt.Errorf("mxid: empty user ID")
	}
	if raw[0] != '@' {
		return UserID{}, fmt.Errorf("mxid: %q does not start with '@'", raw)
	}
	localpart, domain, ok := strings.Cut(raw[1:], ":")
	if !ok {
		return UserID{}, fmt.Errorf("mxid: %q has no ':domain' suffix", raw)
	}
	return New(localpart, domain)
}

func MustParse(raw string) UserID {
	u, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return u
}

func New(localpart, domain string) (UserID, error) {
	if localpart == "" {
		return UserID{}, fmt.Errorf("mxid: empty localpart")
	}
	if domain == "" {
		return UserID{}, fmt.Errorf("mxid: empty domain")
	}
	if strings.ContainsRune(localpart, ':') || strings.IndexFunc(localpart, invalidRune) >= 0 {
		return UserID{}, fmt.Errorf("mxid: invalid character in localpart %q", localpart)
	}
	if strings.IndexFunc(domain, invalidRune) >= 0 {
		return UserID{}, fmt.Errorf("mxid: invalid character in domain %q", domain)
	}
	return UserID{localpart: localpart, domain: domain}, nil
}

// Acceptable builds the user ID for a store-provided localpart, which is
// lowercased the way homeservers register it.
func Acceptable(localpart, domain string) (UserID, error) {
	return New(strings.ToLower(localpart), domain)
}

func invalidRune(r rune) bool {
	return unicode.IsSpace(r) || unicode.IsControl(r) || r == '@'
}

func (u UserID) String() string {
	if u.IsZero() {
		return ""
	}
	return "@" + u.localpart + ":" + u.domain
}

func (u UserID) IsZero() bool {
	return u.localpart == "" && u.domain == ""
}

func (u UserID) Localpart() string {
	return u.localpart
}

// Domain returns the server name, including any port.
func (u UserID) Domain() string {
	return u.domain
}

func (u UserID) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

func (u *UserID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*u = UserID{}
		return nil
	}
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}
