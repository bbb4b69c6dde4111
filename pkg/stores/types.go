package stores

import "time"

// SecureEntry is metadata about one secure store record. Values are only
// returned decrypted through Load.
type SecureEntry struct {
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ArchivedProgram is a program persisted for reload after restart.
type ArchivedProgram struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	Source    string    `json:"source"`
	Checksum  string    `json:"checksum"`
	AutoStart bool      `json:"auto_start"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
