package threepid

import "github.com/meow-io/go-identd/mxid"

// Keys of Invite.Properties written when an invitation is created.
const (
	PropertyCreatedAt          = "created_at"
	PropertyServerKeyAlgorithm = "p_key_algo"
	PropertyServerKeySerial    = "p_key_serial"
	PropertyServerKeyPublic    = "p_key_public"
	PropertyEphemeralAlgorithm = "e_key_algo"
	PropertyEphemeralSerial    = "e_key_serial"
	PropertyEphemeralPublic    = "e_key_public"
)

type Invite struct {
	Sender     mxid.UserID
	Medium     string
	Address    string
	RoomID     string
	Properties map[string]string
}

func (i Invite) ThreePid() ThreePid {
	return ThreePid{Medium: i.Medium, Address: i.Address}
}

// Clone returns a copy whose Properties can be changed without touching i.
func (i Invite) Clone() Invite {
	props := make(map[string]string, len(i.Properties))
	for k, v := range i.Properties {
		props[k] = v
	}
	i.Properties = props
	return i
}

// InviteReply is the record of a pending invitation. Instances held by the
// invitation manager are never mutated; changes produce a new reply.
type InviteReply struct {
	ID          string
	Invite      Invite
	Token       string
	DisplayName string
	PublicKeys  []string
}

// WithInvite returns a reply sharing id, token and keys but carrying inv.
func (r *InviteReply) WithInvite(inv Invite) *InviteReply {
	return &InviteReply{
		ID:          r.ID,
		Invite:      inv,
		Token:       r.Token,
		DisplayName: r.DisplayName,
		PublicKeys:  append([]string(nil), r.PublicKeys...),
	}
}

func (r *InviteReply) Stored() StoredInvite {
	return StoredInvite{
		ID:         r.ID,
		Token:      r.Token,
		Sender:     r.Invite.Sender.String(),
		Medium:     r.Invite.Medium,
		Address:    r.Invite.Address,
		RoomID:     r.Invite.RoomID,
		Properties: r.Invite.Clone().Properties,
	}
}

// StoredInvite is the persisted form of a pending invitation.
type StoredInvite struct {
	ID         string
	Token      string
	Sender     string
	Medium     string
	Address    string
	RoomID     string
	Properties map[string]string
}

// MatrixIDInvite is an invitation addressed to a known Matrix user on behalf
// of a 3PID.
type MatrixIDInvite struct {
	Sender  mxid.UserID
	Invitee mxid.UserID
	Medium  string
	Address string
	RoomID  string
}

// Session is a 3PID validation session.
type Session struct {
	ID         string
	ThreePid   ThreePid
	Secret     string
	Token      string
	ServerName string
}

// DisplayName obfuscates an address to its first three characters.
func DisplayName(address string) string {
	n := 0
	for i := range address {
		if n == 3 {
			return address[:i] + "..."
		}
		n++
	}
	return address + "..."
}
