package events

import "time"

// ChallengeProgressed is the result event emitted whenever progress on a challenge changes.
type ChallengeProgressed struct {
	UserID        string `json:"user_id"`
	ChallengeID   string `json:"challenge_id"`
	ChallengeName string `json:"challenge_name"`
	Count         int    `json:"count"`
	Target        int    `json:"target"`
	Progress      int    `json:"progress"`
	Achieved      bool   `json:"achieved"`
	SourceEventID int64  `json:"source_event_id"`
}

// ChallengeCompleted is emitted once, when a challenge is first achieved.
type ChallengeCompleted struct {
	UserID        string    `json:"user_id"`
	ChallengeID   string    `json:"challenge_id"`
	ChallengeName string    `json:"challenge_name"`
	PointsAwarded int       `json:"points_awarded"`
	AchievedAt    time.Time `json:"achieved_at"`
	SourceEventID int64     `json:"source_event_id"`
}
