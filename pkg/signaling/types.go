// Package signaling turns a rendezvous store into a two-party negotiation
// channel: room creation and joining, membership tracking, and the exchange
// of SDP descriptions and ICE candidates between exactly two members.
package signaling

import (
	gonanoid "github.com/matoous/go-nanoid"
)

// Role identifies which side of the negotiation a member is on. The room
// creator is the offerer for the life of the room; the joiner only answers.
type Role string

const (
	RoleOfferer  Role = "offerer"
	RoleAnswerer Role = "answerer"
)

// Room codes: 6 symbols from a 32-symbol alphabet with the visually
// ambiguous 0/O/1/I removed.
const (
	RoomCodeLength   = 6
	RoomCodeAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"
)

// GenerateRoomCode returns a fresh room code.
func GenerateRoomCode() (string, error) {
	return gonanoid.Generate(RoomCodeAlphabet, RoomCodeLength)
}

// Member is one participant's entry under the room's member map.
type Member struct {
	Role     Role  `json:"role"`
	JoinedAt int64 `json:"joinedAt"`
}

// Description is an SDP offer or answer as stored in the room's slots.
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is one ICE candidate entry in a candidate stream.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// Events is the channel's upward event surface. Implementations must not
// block; each method is invoked from the store's delivery goroutine in
// subscription order.
//
// OnPartnerJoined may fire more than once for a session: a partner whose
// transport cycled re-triggers it when their member entry is re-created.
// Consumers must check their own connection state before re-negotiating.
type Events interface {
	OnPartnerJoined()
	OnPartnerLeft()
	OnRoomDeleted()
	OnOffer(desc Description)
	OnAnswer(desc Description)
	OnRemoteCandidate(c Candidate)
	OnSignalingError(err error)
}

const roomsRoot = "rooms"

func roomPath(code string) string { return roomsRoot + "/" + code }

func createdAtPath(code string) string { return roomPath(code) + "/createdAt" }

func createdByPath(code string) string { return roomPath(code) + "/createdBy" }

func membersPath(code string) string { return roomPath(code) + "/members" }

func memberPath(code, id string) string { return membersPath(code) + "/" + id }

func offerPath(code string) string { return roomPath(code) + "/offer" }

func answerPath(code string) string { return roomPath(code) + "/answer" }

func candidatesPath(code string, role Role) string {
	if role == RoleOfferer {
		return roomPath(code) + "/offerCandidates"
	}
	return roomPath(code) + "/answerCandidates"
}
