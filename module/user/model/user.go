package model

import "time"

// Profile is the slice of the campus user record the gateway reads. The
// account service owns the collection; the gateway never writes to it.
type Profile struct {
	UserID     string    `bson:"_id" json:"userId"`
	Nickname   string    `bson:"nickname" json:"nickname"`
	FaceURL    string    `bson:"face_url,omitempty" json:"faceUrl,omitempty"`
	University string    `bson:"university,omitempty" json:"university,omitempty"`
	UpdateTime time.Time `bson:"update_time" json:"updateTime"`
}

func (u *Profile) GetTableName() string {
	return "users"
}
