// This package holds the value types shared by lookup and invitation handling: third-party
// identifiers, their mappings to Matrix IDs and the invitation records built around them.
package threepid

import (
	"fmt"
	"strings"

	"github.com/meow-io/go-identd/mxid"
)

const (
	MediumEmail  = "email"
	MediumMsisdn = "msisdn"
)

type ThreePid struct {
	Medium  string `json:"medium"`
	Address string `json:"address"`
}

func (t ThreePid) String() string {
	return fmt.Sprintf("%s:%s", t.Medium, t.Address)
}

// Matches compares medium and address case-insensitively.
func (t ThreePid) Matches(medium, address string) bool {
	return strings.EqualFold(t.Medium, medium) && strings.EqualFold(t.Address, address)
}

type Mapping struct {
	Medium   string `json:"medium" db:"medium"`
	Address  string `json:"address" db:"address"`
	MatrixID string `json:"mxid" db:"mxid"`
}

func (m Mapping) ThreePid() ThreePid {
	return ThreePid{Medium: m.Medium, Address: m.Address}
}

type LookupRequest struct {
	Medium    string
	Address   string
	Recursive bool
}

func (r LookupRequest) ThreePid() ThreePid {
	return ThreePid{Medium: r.Medium, Address: r.Address}
}

// LookupReply is immutable once built.
type LookupReply struct {
	Request  LookupRequest
	MatrixID mxid.UserID
}

func NewLookupReply(req LookupRequest, id mxid.UserID) *LookupReply {
	return &LookupReply{Request: req, MatrixID: id}
}

func (r *LookupReply) Mapping() Mapping {
	return Mapping{Medium: r.Request.Medium, Address: r.Request.Address, MatrixID: r.MatrixID.String()}
}

type BulkLookupRequest struct {
	Mappings  []Mapping
	Recursive bool
}
