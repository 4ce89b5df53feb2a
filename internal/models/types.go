package models

// Session is one sitting (or a group of sitting days sharing a number).
type Session struct {
	No   string `json:"no"`
	URL  string `json:"url"`
	Date string `json:"date"`
}

// Vote is a single recorded division within a session.
type Vote struct {
	SessionNo  string `json:"session_no"`
	SessionURL string `json:"session_url"`
	Date       string `json:"date"`
	VoteNo     string `json:"vote_no"`
	VoteURL    string `json:"vote_url"`
	Time       string `json:"vote_time"`
	Topic      string `json:"vote_topic"`
	Type       string `json:"vote_type"`
}

// Column is the name of the vote's column in the result table.
func (v Vote) Column() string {
	return v.SessionNo + "/" + v.VoteNo
}

// FailedVote is a vote whose page failed and that a finished batch passed
// over.
type FailedVote struct {
	Index  int    `json:"index"`
	Column string `json:"vote"`
	URL    string `json:"vote_url"`
}

// PartyLink is a party row on a vote page.
type PartyLink struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// MemberBallot is one member's raw outcome label on a party results page.
type MemberBallot struct {
	Member  string `json:"member"`
	Outcome string `json:"outcome"`
}

// Outcome is the canonical meaning of a raw ballot label.
type Outcome string

const (
	For     Outcome = "for"
	Against Outcome = "against"
	Abstain Outcome = "abstain"
	Absent  Outcome = "absent"
)
