package model

import "strings"

// Verdict is the branch a message took through the pipeline.
type Verdict string

const (
	VerdictClean    Verdict = "clean"
	VerdictInfected Verdict = "infected"
	VerdictBomb     Verdict = "bomb"
)

// ScanOutcome summarises one pipeline run. IsInfected stays nil when bomb
// detection short-circuited the scan.
type ScanOutcome struct {
	Verdict     Verdict
	IsZipBomb   bool
	Bomb        *BombInfo
	IsInfected  *bool
	Signature   string
	Destination *Location
}

// Location addresses one object in a bucket.
type Location struct {
	Bucket string
	Key    string
}

func (l Location) String() string {
	return l.Bucket + "/" + l.Key
}

// URL renders the location under a path-style base such as
// https://s3.amazonaws.com.
func (l Location) URL(base string) string {
	return strings.TrimRight(base, "/") + "/" + l.Bucket + "/" + l.Key
}
