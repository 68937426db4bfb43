package domain

import "time"

// Sermon is a discovered sermon recording. Immutable once persisted.
type Sermon struct {
	ID           string     `gorm:"type:text;primaryKey" json:"id"`
	SourceType   string     `gorm:"type:text;not null;index:idx_sermons_source,unique" json:"source_type"`
	SourceID     string     `gorm:"type:text;not null;index:idx_sermons_source,unique" json:"source_id"`
	URL          string     `gorm:"type:text" json:"url"`
	Title        string     `gorm:"type:text" json:"title"`
	Scripture    string     `gorm:"type:text" json:"scripture,omitempty"`
	Pastor       string     `gorm:"type:text" json:"pastor,omitempty"`
	Church       string     `gorm:"type:text" json:"church,omitempty"`
	PreachedAt   *time.Time `json:"preached_at,omitempty"`
	DiscoveredAt time.Time  `gorm:"index" json:"discovered_at"`
}

// TableName returns the database table name for Sermon.
func (Sermon) TableName() string {
	return "sermons"
}
