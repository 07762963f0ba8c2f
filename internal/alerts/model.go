package alerts

// AlertRecord marks that a (user, event) pair has already triggered a call.
// Records are append-only and double as deduplication tombstones.
type AlertRecord struct {
	UserID           string `gorm:"column:user_id;primaryKey;size:64;not null"`
	EventID          string `gorm:"column:event_id;primaryKey;size:1024;not null"`
	AlertedAtSeconds int64  `gorm:"column:alerted_at_s;not null"`
}

// TableName exposes the table backing the alert ledger.
func (AlertRecord) TableName() string {
	return "event_alerts"
}
