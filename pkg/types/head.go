package types

import "time"

// Head is a new chain head observed by a block source
type Head struct {
	Chain  string    `json:"chain"`
	Number uint64    `json:"number"`
	Hash   string    `json:"hash,omitempty"`
	Time   time.Time `json:"time"`
}
